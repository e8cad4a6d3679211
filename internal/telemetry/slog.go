package telemetry

import (
	"context"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// LogHandler returns a slog.Handler that writes to next and also emits every
// record to the global OTel logger provider under scope.
func LogHandler(next slog.Handler, scope string) slog.Handler {
	return newLogHandler(next, global.GetLoggerProvider().Logger(scope))
}

type logHandler struct {
	next   slog.Handler
	logger otellog.Logger
	attrs  []otellog.KeyValue
	group  string
}

func newLogHandler(next slog.Handler, logger otellog.Logger) *logHandler {
	return &logHandler{next: next, logger: logger}
}

func (h *logHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *logHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(convertAttr(h.group, a)...)
		return true
	})
	h.logger.Emit(ctx, rec)

	return h.next.Handle(ctx, r)
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.next = h.next.WithAttrs(attrs)
	cp.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, convertAttr(h.group, a)...)
	}
	return &cp
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.next = h.next.WithGroup(name)
	cp.group = joinKey(h.group, name)
	return &cp
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

// convertAttr flattens groups into dotted keys.
func convertAttr(prefix string, a slog.Attr) []otellog.KeyValue {
	v := a.Value.Resolve()
	key := joinKey(prefix, a.Key)

	switch v.Kind() {
	case slog.KindGroup:
		var out []otellog.KeyValue
		for _, ga := range v.Group() {
			out = append(out, convertAttr(key, ga)...)
		}
		return out
	case slog.KindString:
		return []otellog.KeyValue{otellog.String(key, v.String())}
	case slog.KindInt64:
		return []otellog.KeyValue{otellog.Int64(key, v.Int64())}
	case slog.KindUint64:
		return []otellog.KeyValue{otellog.Int64(key, int64(v.Uint64()))} //nolint:gosec // counters never reach 2^63
	case slog.KindFloat64:
		return []otellog.KeyValue{otellog.Float64(key, v.Float64())}
	case slog.KindBool:
		return []otellog.KeyValue{otellog.Bool(key, v.Bool())}
	case slog.KindDuration:
		return []otellog.KeyValue{otellog.String(key, v.Duration().String())}
	case slog.KindTime:
		return []otellog.KeyValue{otellog.String(key, v.Time().Format(time.RFC3339Nano))}
	default:
		return []otellog.KeyValue{otellog.String(key, v.String())}
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	if key == "" {
		return prefix
	}
	return prefix + "." + key
}
