package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/calsync/internal/errs"
)

const (
	otelScope             = "calsync/sync"
	spanReconcile         = "calsync.reconcile"
	metricImported        = "calsync.sync.events.imported"
	metricUpdated         = "calsync.sync.events.updated"
	metricDeleted         = "calsync.sync.events.deleted"
	metricSkipped         = "calsync.sync.events.skipped"
	metricExported        = "calsync.sync.events.exported"
	metricUpdatedRemotely = "calsync.sync.events.updated_remotely"
	metricErrors          = "calsync.sync.errors"
)

// DefaultConcurrency bounds the scheduled pass when no limit is configured.
const DefaultConcurrency = 4

// userRunner reconciles one user. Implemented by [Reconciler].
type userRunner interface {
	Run(ctx context.Context, userID string) (Stats, error)
}

// UserLister lists users with an active credential.
type UserLister interface {
	ListConnectedUsers(ctx context.Context) ([]string, error)
}

// BatchResult summarises a scheduled pass over all connected users.
type BatchResult struct {
	Users             int `json:"users"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	NotConnected      int `json:"not_connected"`
	ReconnectRequired int `json:"reconnect_required"`

	Totals   Stats             `json:"totals"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Engine runs reconciliations with tracing and metrics, one user at a time
// via [Engine.SyncUser] or all connected users via [Engine.SyncAll].
type Engine struct {
	reconciler  userRunner
	users       UserLister
	concurrency int
	log         *slog.Logger

	// OTel instruments. Always non-nil (no-op when telemetry is disabled).
	tracer             trace.Tracer
	cntImported        metric.Int64Counter
	cntUpdated         metric.Int64Counter
	cntDeleted         metric.Int64Counter
	cntSkipped         metric.Int64Counter
	cntExported        metric.Int64Counter
	cntUpdatedRemotely metric.Int64Counter
	cntErrors          metric.Int64Counter
}

// NewEngine creates an Engine. concurrency bounds how many users SyncAll
// reconciles at once.
func NewEngine(reconciler userRunner, users UserLister, concurrency int, logger *slog.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		reconciler:  reconciler,
		users:       users,
		concurrency: concurrency,
		log:         logger,

		tracer:             tracer,
		cntImported:        mustCounter(metricImported, "Remote events imported as local rows"),
		cntUpdated:         mustCounter(metricUpdated, "Local rows overwritten by newer remote copies"),
		cntDeleted:         mustCounter(metricDeleted, "Local rows deleted after their remote event disappeared"),
		cntSkipped:         mustCounter(metricSkipped, "Remote events left unchanged"),
		cntExported:        mustCounter(metricExported, "Local-only events created remotely"),
		cntUpdatedRemotely: mustCounter(metricUpdatedRemotely, "Local edits written to the remote calendar"),
		cntErrors:          mustCounter(metricErrors, "Item-level and run-level sync failures"),
	}
}

// SyncUser runs one reconciliation for userID, recording a span and metrics.
func (e *Engine) SyncUser(ctx context.Context, userID string) (Stats, error) {
	ctx, span := e.tracer.Start(ctx, spanReconcile, trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	stats, err := e.reconciler.Run(ctx, userID)

	add := func(c metric.Int64Counter, n int) {
		if n > 0 {
			c.Add(ctx, int64(n))
		}
	}
	add(e.cntImported, stats.Imported)
	add(e.cntUpdated, stats.Updated)
	add(e.cntDeleted, stats.Deleted)
	add(e.cntSkipped, stats.Skipped)
	add(e.cntExported, stats.Exported)
	add(e.cntUpdatedRemotely, stats.UpdatedRemotely)
	add(e.cntErrors, stats.Errors)

	span.SetAttributes(
		attribute.Int("sync.imported", stats.Imported),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.skipped", stats.Skipped),
		attribute.Int("sync.exported", stats.Exported),
		attribute.Int("sync.updated_remotely", stats.UpdatedRemotely),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil && !errors.Is(err, errs.ErrCredentialMissing) {
		e.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return stats, err
}

// SyncAll reconciles every connected user with bounded concurrency. A failure
// for one user never stops the others. The error is non-nil only when the
// user list itself cannot be read.
func (e *Engine) SyncAll(ctx context.Context) (BatchResult, error) {
	users, err := e.users.ListConnectedUsers(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Users: len(users)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			stats, err := e.SyncUser(ctx, userID)

			mu.Lock()
			defer mu.Unlock()
			res.Totals.Add(stats)
			switch {
			case err == nil:
				res.Succeeded++
			case errors.Is(err, errs.ErrCredentialMissing):
				res.NotConnected++
			default:
				res.Failed++
				if errs.IsTokenRefresh(err) {
					res.ReconnectRequired++
				}
				if res.Failures == nil {
					res.Failures = make(map[string]string)
				}
				res.Failures[userID] = err.Error()
				e.log.Error("user sync failed", "user_id", userID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.log.Info("scheduled sync complete",
		"users", res.Users,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"not_connected", res.NotConnected,
		"reconnect_required", res.ReconnectRequired,
	)
	return res, ctx.Err()
}

// Run performs a scheduled pass immediately and then every interval until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := e.SyncAll(ctx); err != nil && ctx.Err() == nil {
		e.log.Error("initial scheduled sync failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.SyncAll(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("scheduled sync failed", "error", err)
			}
		}
	}
}
