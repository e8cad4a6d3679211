// Package state is the SQLite implementation of the local event store and the
// credential store. It backs single-node deployments and tests; multi-tenant
// production runs on [postgres].
//
// Only this package may open or query the SQLite database. All other packages
// receive a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS calendar_events (
    id              TEXT    PRIMARY KEY,
    user_id         TEXT    NOT NULL,
    title           TEXT    NOT NULL,
    description     TEXT    NOT NULL DEFAULT '',
    location        TEXT    NOT NULL DEFAULT '',
    start_time      TEXT    NOT NULL,
    end_time        TEXT    NOT NULL,
    all_day         INTEGER NOT NULL DEFAULT 0,
    attendees       TEXT    NOT NULL DEFAULT '[]',
    remote_event_id TEXT,
    is_synced       INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT    NOT NULL,
    updated_at      TEXT    NOT NULL,
    CHECK (end_time > start_time)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_remote_id ON calendar_events (user_id, remote_event_id) WHERE remote_event_id IS NOT NULL;
CREATE INDEX        IF NOT EXISTS idx_events_user      ON calendar_events (user_id, start_time);

CREATE TABLE IF NOT EXISTS calendar_credentials (
    user_id       TEXT NOT NULL,
    provider      TEXT NOT NULL,
    access_token  TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    token_expiry  TEXT NOT NULL DEFAULT '',
    updated_at    TEXT NOT NULL,
    PRIMARY KEY (user_id, provider)
);
`

// timeLayout is fixed-width so that TEXT comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const eventColumns = `id, user_id, title, description, location, start_time, end_time,
		       all_day, attendees, remote_event_id, is_synced, created_at, updated_at`

// Store is the SQLite-backed repository.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// addedColumns were introduced after the first release. Databases created
// before then get them via ALTER TABLE.
var addedColumns = []struct{ name, ddl string }{
	{"all_day", `ALTER TABLE calendar_events ADD COLUMN all_day INTEGER NOT NULL DEFAULT 0`},
	{"attendees", `ALTER TABLE calendar_events ADD COLUMN attendees TEXT NOT NULL DEFAULT '[]'`},
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	have := make(map[string]bool)
	rows, err := db.Query(`SELECT name FROM pragma_table_info('calendar_events')`)
	if err != nil {
		return fmt.Errorf("reading calendar_events columns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	for _, c := range addedColumns {
		if have[c.name] {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			return fmt.Errorf("adding column %s: %w", c.name, err)
		}
	}
	return nil
}

// --- events ------------------------------------------------------------------

// ListByUser returns all of the user's events ordered by start time.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*model.Event, error) {
	const q = `SELECT ` + eventColumns + `
		FROM calendar_events WHERE user_id = ? ORDER BY start_time, id`
	return s.queryEvents(ctx, q, userID)
}

// ListRemoteLinked returns the user's events that reference a remote event.
func (s *Store) ListRemoteLinked(ctx context.Context, userID string) ([]*model.Event, error) {
	const q = `SELECT ` + eventColumns + `
		FROM calendar_events WHERE user_id = ? AND remote_event_id IS NOT NULL
		ORDER BY start_time, id`
	return s.queryEvents(ctx, q, userID)
}

// ListUnsynced returns the user's events whose local state is not confirmed
// equal to the remote state.
func (s *Store) ListUnsynced(ctx context.Context, userID string) ([]*model.Event, error) {
	const q = `SELECT ` + eventColumns + `
		FROM calendar_events WHERE user_id = ? AND is_synced = 0
		ORDER BY start_time, id`
	return s.queryEvents(ctx, q, userID)
}

// Get returns one of the user's events, or errs.ErrNotFound.
func (s *Store) Get(ctx context.Context, userID, id string) (*model.Event, error) {
	const q = `SELECT ` + eventColumns + `
		FROM calendar_events WHERE user_id = ? AND id = ?`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, q, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return ev, err
}

// Insert adds a new event row. A second row for the same remote event id
// fails with errs.ErrAlreadyExists.
func (s *Store) Insert(ctx context.Context, ev *model.Event) error {
	const q = `
		INSERT INTO calendar_events
		    (id, user_id, title, description, location, start_time, end_time,
		     all_day, attendees, remote_event_id, is_synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	attendees, err := encodeAttendees(ev.Attendees)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q,
		ev.ID,
		ev.UserID,
		ev.Title,
		ev.Description,
		ev.Location,
		formatTime(ev.Start),
		formatTime(ev.End),
		ev.AllDay,
		attendees,
		nullString(ev.RemoteEventID),
		ev.IsSynced,
		formatTime(ev.CreatedAt),
		formatTime(ev.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("inserting event for remote id %q: %w", ev.RemoteEventID, errs.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("inserting event %q: %w", ev.Title, err)
	}
	return nil
}

// Update applies a local edit. The row becomes unsynced in the same statement.
func (s *Store) Update(ctx context.Context, ev *model.Event) error {
	const q = `
		UPDATE calendar_events SET
		    title = ?, description = ?, location = ?, start_time = ?, end_time = ?,
		    all_day = ?, attendees = ?, is_synced = 0, updated_at = ?
		WHERE id = ? AND user_id = ?`
	attendees, err := encodeAttendees(ev.Attendees)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "updating event "+ev.ID, errs.ErrNotFound, q,
		ev.Title, ev.Description, ev.Location,
		formatTime(ev.Start), formatTime(ev.End), ev.AllDay, attendees,
		formatTime(ev.UpdatedAt),
		ev.ID, ev.UserID,
	)
}

// ApplyRemote overwrites the event with the remote copy and marks it synced,
// provided updated_at still equals seen. Otherwise it returns errs.ErrStale.
func (s *Store) ApplyRemote(ctx context.Context, id string, seen time.Time, f model.EventFields, at time.Time) error {
	const q = `
		UPDATE calendar_events SET
		    title = ?, description = ?, location = ?, start_time = ?, end_time = ?,
		    all_day = ?, attendees = ?, is_synced = 1, updated_at = ?
		WHERE id = ? AND updated_at = ?`
	attendees, err := encodeAttendees(f.Attendees)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "applying remote copy to event "+id, errs.ErrStale, q,
		f.Title, f.Description, f.Location,
		formatTime(f.Start), formatTime(f.End), f.AllDay, attendees,
		formatTime(at),
		id, formatTime(seen),
	)
}

// LinkRemote records the remote id assigned on export. The row is marked
// synced only if updated_at still equals seen; an edit made since keeps it
// unsynced with updated_at raised to at least at. A row that is gone or
// already linked yields errs.ErrStale.
func (s *Store) LinkRemote(ctx context.Context, id, remoteID string, seen, at time.Time) error {
	const q = `
		UPDATE calendar_events SET
		    remote_event_id = ?,
		    is_synced  = CASE WHEN updated_at = ? THEN 1 ELSE 0 END,
		    updated_at = CASE WHEN updated_at = ? THEN ? ELSE MAX(updated_at, ?) END
		WHERE id = ? AND remote_event_id IS NULL`
	err := s.execOne(ctx, "linking event "+id, errs.ErrStale, q,
		remoteID, formatTime(seen), formatTime(seen), formatTime(at), formatTime(at), id)
	if isUniqueViolation(err) {
		return fmt.Errorf("linking event %s to %q: %w", id, remoteID, errs.ErrAlreadyExists)
	}
	return err
}

// MarkSynced flags the row as equal to its remote copy if updated_at still
// equals seen. An edit made since keeps it unsynced with updated_at raised to
// at least at.
func (s *Store) MarkSynced(ctx context.Context, id string, seen, at time.Time) error {
	const q = `
		UPDATE calendar_events SET
		    is_synced  = CASE WHEN updated_at = ? THEN 1 ELSE 0 END,
		    updated_at = CASE WHEN updated_at = ? THEN ? ELSE MAX(updated_at, ?) END
		WHERE id = ?`
	return s.execOne(ctx, "marking event "+id+" synced", errs.ErrNotFound, q,
		formatTime(seen), formatTime(seen), formatTime(at), formatTime(at), id)
}

// UnlinkRemote drops the remote reference so the next run exports the row anew.
func (s *Store) UnlinkRemote(ctx context.Context, id string) error {
	const q = `UPDATE calendar_events SET remote_event_id = NULL, is_synced = 0 WHERE id = ?`
	return s.execOne(ctx, "unlinking event "+id, errs.ErrNotFound, q, id)
}

// Delete removes the event with the given id. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM calendar_events WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting event id=%s: %w", id, err)
	}
	return nil
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// execOne runs a single-row update and returns none when it matched no row.
func (s *Store) execOne(ctx context.Context, what string, none error, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, none)
	}
	return nil
}

// --- credentials -------------------------------------------------------------

// GetCredential returns the user's Google credential, or errs.ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	const q = `
		SELECT user_id, provider, access_token, refresh_token, token_expiry, updated_at
		FROM calendar_credentials WHERE user_id = ? AND provider = ?`
	var (
		c                 model.Credential
		expiry, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, q, userID, model.ProviderGoogle).Scan(
		&c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &expiry, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential for user %s: %w", userID, err)
	}
	c.TokenExpiry, _ = parseTime(expiry)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}

// UpsertCredential inserts or replaces the credential keyed by (user, provider).
func (s *Store) UpsertCredential(ctx context.Context, c *model.Credential) error {
	const q = `
		INSERT INTO calendar_credentials
		    (user_id, provider, access_token, refresh_token, token_expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
		    access_token  = excluded.access_token,
		    refresh_token = excluded.refresh_token,
		    token_expiry  = excluded.token_expiry,
		    updated_at    = excluded.updated_at`
	provider := c.Provider
	if provider == "" {
		provider = model.ProviderGoogle
	}
	_, err := s.db.ExecContext(ctx, q,
		c.UserID, provider, c.AccessToken, c.RefreshToken,
		formatTime(c.TokenExpiry), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting credential for user %s: %w", c.UserID, err)
	}
	return nil
}

// ClearCredential removes the user's credential. Clearing twice is not an error.
func (s *Store) ClearCredential(ctx context.Context, userID string) error {
	const q = `DELETE FROM calendar_credentials WHERE user_id = ? AND provider = ?`
	if _, err := s.db.ExecContext(ctx, q, userID, model.ProviderGoogle); err != nil {
		return fmt.Errorf("clearing credential for user %s: %w", userID, err)
	}
	return nil
}

// ListConnectedUsers returns the ids of all users holding a Google credential.
func (s *Store) ListConnectedUsers(ctx context.Context) ([]string, error) {
	const q = `SELECT user_id FROM calendar_credentials WHERE provider = ? ORDER BY user_id`
	rows, err := s.db.QueryContext(ctx, q, model.ProviderGoogle)
	if err != nil {
		return nil, fmt.Errorf("listing connected users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanEvent can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*model.Event, error) {
	var (
		ev                              model.Event
		remoteID                        sql.NullString
		start, end, createdAt, updatedAt string
		attendees                       string
	)
	err := s.Scan(
		&ev.ID,
		&ev.UserID,
		&ev.Title,
		&ev.Description,
		&ev.Location,
		&start,
		&end,
		&ev.AllDay,
		&attendees,
		&remoteID,
		&ev.IsSynced,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	ev.RemoteEventID = remoteID.String
	ev.Start, _ = parseTime(start)
	ev.End, _ = parseTime(end)
	ev.CreatedAt, _ = parseTime(createdAt)
	ev.UpdatedAt, _ = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(attendees), &ev.Attendees); err != nil {
		return nil, fmt.Errorf("decoding attendees of event %s: %w", ev.ID, err)
	}
	return &ev, nil
}

func encodeAttendees(a []string) (string, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding attendees: %w", err)
	}
	return string(b), nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
