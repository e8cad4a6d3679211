package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

// Default fetch window around now.
const (
	DefaultPastMonths   = 1
	DefaultFutureMonths = 3
)

// Stats tracks the outcome of a single reconcile pass.
type Stats struct {
	Imported        int `json:"imported"`
	Updated         int `json:"updated"`
	Deleted         int `json:"deleted"`
	Skipped         int `json:"skipped"`
	Exported        int `json:"exported"`
	UpdatedRemotely int `json:"updated_remotely"`

	// Errors counts item-level failures that were logged and left for the
	// next pass.
	Errors int `json:"errors"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Imported += o.Imported
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Skipped += o.Skipped
	s.Exported += o.Exported
	s.UpdatedRemotely += o.UpdatedRemotely
	s.Errors += o.Errors
}

// Changes reports the number of writes the pass made on either side.
func (s Stats) Changes() int {
	return s.Imported + s.Updated + s.Deleted + s.Exported + s.UpdatedRemotely
}

// Reconciler performs one bidirectional pass for one user. Passes for the
// same user never overlap, whichever caller starts them. Nothing else is
// kept between calls; unsynced and unlinked rows in the [EventStore] are its
// retry queue.
type Reconciler struct {
	store     EventStore
	creds     CredentialStore
	tokens    TokenRefresher
	calendars CalendarFactory
	log       *slog.Logger
	locks     *userLocks

	pastMonths   int
	futureMonths int
	now          func() time.Time
	newID        func() string
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithWindow sets the fetch window in months before and after now.
func WithWindow(pastMonths, futureMonths int) Option {
	return func(r *Reconciler) {
		r.pastMonths = pastMonths
		r.futureMonths = futureMonths
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithIDFunc replaces the generator for imported event ids.
func WithIDFunc(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

// NewReconciler creates a Reconciler wired to the given stores and gateway.
func NewReconciler(store EventStore, creds CredentialStore, tokens TokenRefresher, calendars CalendarFactory, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:        store,
		creds:        creds,
		tokens:       tokens,
		calendars:    calendars,
		log:          logger,
		locks:        newUserLocks(),
		pastMonths:   DefaultPastMonths,
		futureMonths: DefaultFutureMonths,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles userID's local events with their primary calendar. It waits
// for any pass already running for userID to finish first.
//
// A missing credential returns errs.ErrCredentialMissing; a failed token
// refresh returns *errs.TokenRefreshError before any write. Failures to list
// either side abort the run. Everything else is per item: it is logged,
// counted in Stats.Errors, and retried on the next pass.
func (r *Reconciler) Run(ctx context.Context, userID string) (Stats, error) {
	var stats Stats
	log := r.log.With("user_id", userID)

	unlock, err := r.locks.lock(ctx, userID)
	if err != nil {
		return stats, err
	}
	defer unlock()

	cal, err := r.open(ctx, userID)
	if err != nil {
		return stats, err
	}

	now := r.now()
	window := model.NewWindow(now, r.pastMonths, r.futureMonths)

	// Pull completes before push so a remote deletion is seen before a stale
	// local copy could be exported again.
	handled, err := r.pull(ctx, log, cal, userID, window, now, &stats)
	if err != nil {
		return stats, err
	}
	if err := r.push(ctx, log, cal, userID, window, handled, &stats); err != nil {
		return stats, err
	}

	log.Info("reconcile complete",
		"imported", stats.Imported,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"skipped", stats.Skipped,
		"exported", stats.Exported,
		"updated_remotely", stats.UpdatedRemotely,
		"errors", stats.Errors,
	)
	return stats, nil
}

// DeleteRemote removes a remote event right away. It backs local deletions,
// which leave no row behind for a later pass to diff.
func (r *Reconciler) DeleteRemote(ctx context.Context, userID, remoteID string) error {
	unlock, err := r.locks.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	cal, err := r.open(ctx, userID)
	if err != nil {
		return err
	}
	if err := cal.DeleteEvent(ctx, remoteID); err != nil {
		return fmt.Errorf("deleting remote event %s: %w", remoteID, err)
	}
	r.log.Info("deleted remote event", "user_id", userID, "remote_id", remoteID)
	return nil
}

// open loads the user's credential, refreshes the token, and opens the calendar.
func (r *Reconciler) open(ctx context.Context, userID string) (Calendar, error) {
	cred, err := r.creds.GetCredential(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, errs.ErrCredentialMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential for user %s: %w", userID, err)
	}

	token, err := r.tokens.EnsureFreshToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	cal, err := r.calendars(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("opening calendar for user %s: %w", userID, err)
	}
	return cal, nil
}

// pull applies remote changes locally: imports new remote events, overwrites
// local rows when the remote copy is strictly newer, and deletes linked rows
// whose remote event is no longer listed. It returns the ids of local rows it
// already settled so push leaves them alone.
func (r *Reconciler) pull(ctx context.Context, log *slog.Logger, cal Calendar, userID string, window model.Window, now time.Time, stats *Stats) (map[string]bool, error) {
	remote, err := cal.ListEvents(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("listing remote events: %w", err)
	}

	linked, err := r.store.ListRemoteLinked(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing linked events: %w", err)
	}

	byRemoteID := make(map[string]*model.Event, len(linked))
	for _, ev := range linked {
		byRemoteID[ev.RemoteEventID] = ev
	}

	remoteIDs := make(map[string]bool, len(remote))
	handled := make(map[string]bool)

	for i := range remote {
		re := &remote[i]
		remoteIDs[re.RemoteID] = true

		if !re.End.After(re.Start) {
			log.Warn("skipping remote event without positive duration", "remote_id", re.RemoteID)
			stats.Skipped++
			continue
		}

		local, ok := byRemoteID[re.RemoteID]
		if !ok {
			r.importRemote(ctx, log, userID, re, now, stats)
			continue
		}

		// Equal timestamps keep the local copy.
		if !re.LastModified.After(local.UpdatedAt) {
			stats.Skipped++
			continue
		}
		err := r.store.ApplyRemote(ctx, local.ID, local.UpdatedAt, re.EventFields, re.LastModified)
		switch {
		case errors.Is(err, errs.ErrStale):
			// Edited locally since the list; the edit is newer than re.
			log.Debug("local event changed during pull, keeping it", "event_id", local.ID, "remote_id", re.RemoteID)
			stats.Skipped++
			continue
		case err != nil:
			log.Error("applying remote update", "event_id", local.ID, "remote_id", re.RemoteID, "error", err)
			stats.Errors++
			continue
		}
		handled[local.ID] = true
		stats.Updated++
	}

	// Linked rows whose remote id is gone were deleted remotely, or their
	// remote event now starts outside the window. The two are
	// indistinguishable here; both delete the local row.
	for _, ev := range linked {
		if remoteIDs[ev.RemoteEventID] {
			continue
		}
		if err := r.store.Delete(ctx, ev.ID); err != nil {
			log.Error("deleting locally", "event_id", ev.ID, "remote_id", ev.RemoteEventID, "error", err)
			stats.Errors++
			continue
		}
		handled[ev.ID] = true
		stats.Deleted++
		log.Debug("deleted locally", "event_id", ev.ID, "remote_id", ev.RemoteEventID)
	}

	return handled, nil
}

func (r *Reconciler) importRemote(ctx context.Context, log *slog.Logger, userID string, re *model.RemoteEvent, now time.Time, stats *Stats) {
	ev := &model.Event{
		ID:            r.newID(),
		UserID:        userID,
		EventFields:   re.EventFields,
		RemoteEventID: re.RemoteID,
		IsSynced:      true,
		CreatedAt:     now,
		UpdatedAt:     r.confirmedAt(*re),
	}
	err := r.store.Insert(ctx, ev)
	switch {
	case errors.Is(err, errs.ErrAlreadyExists):
		// Another run imported it first.
		log.Debug("remote event already imported", "remote_id", re.RemoteID)
		stats.Skipped++
	case err != nil:
		log.Error("importing remote event", "remote_id", re.RemoteID, "error", err)
		stats.Errors++
	default:
		stats.Imported++
	}
}

// push exports local-only rows inside the window and writes locally modified
// linked rows back to the calendar.
func (r *Reconciler) push(ctx context.Context, log *slog.Logger, cal Calendar, userID string, window model.Window, handled map[string]bool, stats *Stats) error {
	all, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing local events: %w", err)
	}

	for _, ev := range all {
		if ev.Linked() || !window.Contains(ev.Start) {
			continue
		}
		created, err := cal.CreateEvent(ctx, ev.EventFields)
		if err != nil {
			log.Error("exporting event", "event_id", ev.ID, "error", err)
			stats.Errors++
			continue
		}
		err = r.store.LinkRemote(ctx, ev.ID, created.RemoteID, ev.UpdatedAt, r.confirmedAt(created))
		switch {
		case errors.Is(err, errs.ErrStale):
			// Deleted or linked elsewhere since the list: the new remote copy
			// has no row to belong to.
			r.discardExport(ctx, log, cal, ev.ID, created.RemoteID, stats)
			continue
		case err != nil:
			// The remote copy exists but is not linked. The next pass
			// imports it as a separate row.
			log.Error("linking exported event", "event_id", ev.ID, "remote_id", created.RemoteID, "error", err)
			stats.Errors++
			continue
		}
		handled[ev.ID] = true
		stats.Exported++
	}

	unsynced, err := r.store.ListUnsynced(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing unsynced events: %w", err)
	}

	for _, ev := range unsynced {
		if !ev.Linked() || handled[ev.ID] {
			continue
		}
		updated, err := cal.UpdateEvent(ctx, ev.RemoteEventID, ev.EventFields)
		switch {
		case errors.Is(err, errs.ErrRemoteNotFound):
			// Gone remotely: export again as a new event on the next pass.
			if err := r.store.UnlinkRemote(ctx, ev.ID); err != nil {
				log.Error("unlinking event", "event_id", ev.ID, "error", err)
				stats.Errors++
				continue
			}
			log.Info("remote event missing, unlinked", "event_id", ev.ID, "remote_id", ev.RemoteEventID)
		case err != nil:
			log.Error("updating remote event", "event_id", ev.ID, "remote_id", ev.RemoteEventID, "error", err)
			stats.Errors++
		default:
			if err := r.store.MarkSynced(ctx, ev.ID, ev.UpdatedAt, r.confirmedAt(updated)); err != nil {
				log.Error("marking event synced", "event_id", ev.ID, "error", err)
				stats.Errors++
				continue
			}
			stats.UpdatedRemotely++
		}
	}

	return nil
}

func (r *Reconciler) discardExport(ctx context.Context, log *slog.Logger, cal Calendar, eventID, remoteID string, stats *Stats) {
	if err := cal.DeleteEvent(ctx, remoteID); err != nil {
		log.Error("deleting unlinked export", "event_id", eventID, "remote_id", remoteID, "error", err)
		stats.Errors++
		return
	}
	log.Info("event changed during export, remote copy removed", "event_id", eventID, "remote_id", remoteID)
	stats.Skipped++
}

// confirmedAt is the updated_at a row gets once it equals re: the provider's
// modification time, so the next pass compares equal and keeps the row.
func (r *Reconciler) confirmedAt(re model.RemoteEvent) time.Time {
	if re.LastModified.IsZero() {
		return r.now()
	}
	return re.LastModified
}
