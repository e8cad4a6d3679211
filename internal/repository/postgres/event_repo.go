package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

const eventColumns = `id, user_id, title, description, location, start_time, end_time,
       all_day, attendees, remote_event_id, is_synced, created_at, updated_at`

// EventRepo implements the local event store using PostgreSQL.
type EventRepo struct{ db *DB }

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

// ListByUser returns all of the user's events ordered by start time.
func (r *EventRepo) ListByUser(ctx context.Context, userID string) ([]*model.Event, error) {
	const q = `
SELECT ` + eventColumns + `
FROM calendar_events WHERE user_id=$1 ORDER BY start_time, id`
	return r.query(ctx, q, userID)
}

// ListRemoteLinked returns the user's events that reference a remote event.
func (r *EventRepo) ListRemoteLinked(ctx context.Context, userID string) ([]*model.Event, error) {
	const q = `
SELECT ` + eventColumns + `
FROM calendar_events WHERE user_id=$1 AND remote_event_id IS NOT NULL ORDER BY start_time, id`
	return r.query(ctx, q, userID)
}

// ListUnsynced returns the user's events not yet confirmed against the remote.
func (r *EventRepo) ListUnsynced(ctx context.Context, userID string) ([]*model.Event, error) {
	const q = `
SELECT ` + eventColumns + `
FROM calendar_events WHERE user_id=$1 AND is_synced=false ORDER BY start_time, id`
	return r.query(ctx, q, userID)
}

// Get returns a single event owned by userID.
func (r *EventRepo) Get(ctx context.Context, userID, id string) (*model.Event, error) {
	const q = `
SELECT ` + eventColumns + `
FROM calendar_events WHERE user_id=$1 AND id=$2`
	ev, err := scanEvent(r.db.Pool.QueryRow(ctx, q, userID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return ev, err
}

// Insert adds a new event row.
func (r *EventRepo) Insert(ctx context.Context, ev *model.Event) error {
	const q = `
INSERT INTO calendar_events
    (id, user_id, title, description, location, start_time, end_time,
     all_day, attendees, remote_event_id, is_synced, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := r.db.Pool.Exec(ctx, q,
		ev.ID, ev.UserID, ev.Title, ev.Description, ev.Location,
		ev.Start, ev.End, ev.AllDay, attendees(ev.Attendees),
		nullString(ev.RemoteEventID), ev.IsSynced,
		ev.CreatedAt, ev.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert event for remote id %q: %w", ev.RemoteEventID, errs.ErrAlreadyExists)
	}
	return err
}

// Update applies a local edit and marks the row unsynced.
func (r *EventRepo) Update(ctx context.Context, ev *model.Event) error {
	const q = `
UPDATE calendar_events
SET title=$3, description=$4, location=$5, start_time=$6, end_time=$7,
    all_day=$8, attendees=$9, is_synced=false, updated_at=$10
WHERE id=$1 AND user_id=$2`
	return r.execOne(ctx, errs.ErrNotFound, q,
		ev.ID, ev.UserID, ev.Title, ev.Description, ev.Location, ev.Start, ev.End,
		ev.AllDay, attendees(ev.Attendees), ev.UpdatedAt,
	)
}

// ApplyRemote overwrites the event with the remote copy and marks it synced,
// provided updated_at still equals seen. Otherwise it returns errs.ErrStale.
func (r *EventRepo) ApplyRemote(ctx context.Context, id string, seen time.Time, f model.EventFields, at time.Time) error {
	const q = `
UPDATE calendar_events
SET title=$3, description=$4, location=$5, start_time=$6, end_time=$7,
    all_day=$8, attendees=$9, is_synced=true, updated_at=$10
WHERE id=$1 AND updated_at=$2`
	return r.execOne(ctx, errs.ErrStale, q,
		id, seen, f.Title, f.Description, f.Location, f.Start, f.End,
		f.AllDay, attendees(f.Attendees), at,
	)
}

// LinkRemote stores the remote id assigned on export. The row is marked
// synced only if updated_at still equals seen. A row that is gone or already
// linked yields errs.ErrStale.
func (r *EventRepo) LinkRemote(ctx context.Context, id, remoteID string, seen, at time.Time) error {
	const q = `
UPDATE calendar_events
SET remote_event_id=$2,
    is_synced  = (updated_at = $3),
    updated_at = CASE WHEN updated_at = $3 THEN $4 ELSE GREATEST(updated_at, $4) END
WHERE id=$1 AND remote_event_id IS NULL`
	err := r.execOne(ctx, errs.ErrStale, q, id, remoteID, seen, at)
	if isUniqueViolation(err) {
		return fmt.Errorf("link event %s to %q: %w", id, remoteID, errs.ErrAlreadyExists)
	}
	return err
}

// MarkSynced flags the row as equal to its remote copy if updated_at still
// equals seen. An edit made since keeps it unsynced.
func (r *EventRepo) MarkSynced(ctx context.Context, id string, seen, at time.Time) error {
	const q = `
UPDATE calendar_events
SET is_synced  = (updated_at = $2),
    updated_at = CASE WHEN updated_at = $2 THEN $3 ELSE GREATEST(updated_at, $3) END
WHERE id=$1`
	return r.execOne(ctx, errs.ErrNotFound, q, id, seen, at)
}

// UnlinkRemote clears the remote reference so the row is exported again.
func (r *EventRepo) UnlinkRemote(ctx context.Context, id string) error {
	const q = `UPDATE calendar_events SET remote_event_id=NULL, is_synced=false WHERE id=$1`
	return r.execOne(ctx, errs.ErrNotFound, q, id)
}

// Delete removes the event. Deleting a missing row is not an error.
func (r *EventRepo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM calendar_events WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

func (r *EventRepo) query(ctx context.Context, q string, args ...any) ([]*model.Event, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *EventRepo) execOne(ctx context.Context, none error, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return none
	}
	return nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var (
		ev       model.Event
		remoteID *string
	)
	err := row.Scan(
		&ev.ID, &ev.UserID, &ev.Title, &ev.Description, &ev.Location,
		&ev.Start, &ev.End, &ev.AllDay, &ev.Attendees,
		&remoteID, &ev.IsSynced, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if remoteID != nil {
		ev.RemoteEventID = *remoteID
	}
	if len(ev.Attendees) == 0 {
		ev.Attendees = nil
	}
	return &ev, nil
}

// attendees maps nil to an empty array; the column is NOT NULL.
func attendees(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
