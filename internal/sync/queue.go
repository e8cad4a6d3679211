package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/njoerd114/calsync/internal/errs"
)

// Default queue sizing.
const (
	DefaultQueueSize = 256
	DefaultWorkers   = 2
)

// UserSyncer reconciles one user. Implemented by [Engine].
type UserSyncer interface {
	SyncUser(ctx context.Context, userID string) (Stats, error)
}

// Queue is the post-mutation sync trigger. Callers enqueue a user id and
// return immediately; workers drain the queue through a [UserSyncer].
//
// A user already waiting in the queue is not queued twice. The queue does not
// retry: a failed run leaves unsynced rows that the next run picks up.
type Queue struct {
	syncer  UserSyncer
	jobs    chan string
	workers int
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
}

// NewQueue creates a Queue holding at most size pending users.
func NewQueue(syncer UserSyncer, size, workers int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Queue{
		syncer:  syncer,
		jobs:    make(chan string, size),
		workers: workers,
		log:     logger,
		pending: make(map[string]bool),
	}
}

// Enqueue schedules a reconciliation for userID without blocking. It returns
// false when the queue is full and the job was dropped.
func (q *Queue) Enqueue(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[userID] {
		return true
	}
	select {
	case q.jobs <- userID:
		q.pending[userID] = true
		return true
	default:
		q.log.Warn("sync queue full, dropping trigger", "user_id", userID)
		return false
	}
}

// Pending returns the number of queued users.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current job.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
	q.log.Info("sync queue stopped")
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-q.jobs:
			// Clear before running so edits made during the run queue another
			// pass. A second pass for the same user waits on the reconciler's
			// per-user lock, so workers never run one user twice at once.
			q.mu.Lock()
			delete(q.pending, userID)
			q.mu.Unlock()

			stats, err := q.syncer.SyncUser(ctx, userID)
			switch {
			case errors.Is(err, errs.ErrCredentialMissing):
				q.log.Debug("triggered sync skipped, calendar not connected", "user_id", userID)
			case err != nil:
				q.log.Error("triggered sync failed", "user_id", userID, "error", err)
			default:
				q.log.Debug("triggered sync done", "user_id", userID, "changes", stats.Changes())
			}
		}
	}
}
