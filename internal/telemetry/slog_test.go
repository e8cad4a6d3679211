package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"
)

type recordingLogger struct {
	embedded.Logger

	mu   sync.Mutex
	recs []otellog.Record
}

func (l *recordingLogger) Emit(_ context.Context, r otellog.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, r.Clone())
}

func (l *recordingLogger) Enabled(context.Context, otellog.EnabledParameters) bool { return true }

func attrsOf(r otellog.Record) map[string]string {
	out := map[string]string{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value.String()
		return true
	})
	return out
}

func TestLogHandler_ForwardsRecords(t *testing.T) {
	var buf bytes.Buffer
	rec := &recordingLogger{}
	h := newLogHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}), rec)
	logger := slog.New(h).With("user_id", "u1").WithGroup("sync")

	logger.Info("reconcile complete", "imported", 2, "dur", 1500*time.Millisecond, "ok", true)
	logger.Debug("hidden")
	logger.Error("user sync failed", "error", errors.New("boom"))

	if !strings.Contains(buf.String(), "reconcile complete") {
		t.Errorf("next handler did not receive the record: %q", buf.String())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.recs) != 2 {
		t.Fatalf("emitted %d records, want 2 (debug filtered)", len(rec.recs))
	}

	first := rec.recs[0]
	if first.Body().AsString() != "reconcile complete" {
		t.Errorf("body = %q", first.Body().AsString())
	}
	if first.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", first.Severity())
	}
	attrs := attrsOf(first)
	want := map[string]string{
		"user_id":       "u1",
		"sync.imported": "2",
		"sync.dur":      "1.5s",
		"sync.ok":       "true",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %s = %q, want %q (all: %v)", k, attrs[k], v, attrs)
		}
	}

	second := rec.recs[1]
	if second.Severity() != otellog.SeverityError {
		t.Errorf("severity = %v, want error", second.Severity())
	}
	if attrsOf(second)["sync.error"] != "boom" {
		t.Errorf("error attr = %q", attrsOf(second)["sync.error"])
	}
}

func TestSeverity(t *testing.T) {
	cases := map[slog.Level]otellog.Severity{
		slog.LevelDebug:     otellog.SeverityDebug,
		slog.LevelInfo:      otellog.SeverityInfo,
		slog.LevelWarn:      otellog.SeverityWarn,
		slog.LevelError:     otellog.SeverityError,
		slog.LevelError + 4: otellog.SeverityError,
	}
	for in, want := range cases {
		if got := severity(in); got != want {
			t.Errorf("severity(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestShutdownStack_ReverseOrderAndJoin(t *testing.T) {
	var order []string
	var s shutdownStack
	s.push("a", func(context.Context) error { order = append(order, "a"); return nil })
	s.push("b", func(context.Context) error { order = append(order, "b"); return errors.New("flush failed") })
	s.push("c", func(context.Context) error { order = append(order, "c"); return nil })

	err := s.run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "b shutdown: flush failed") {
		t.Errorf("error = %v", err)
	}
	if strings.Join(order, "") != "cba" {
		t.Errorf("order = %v, want c b a", order)
	}
	if err := s.run(context.Background()); err != nil {
		t.Errorf("second run = %v, want nil", err)
	}
}
