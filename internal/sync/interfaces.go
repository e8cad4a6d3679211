// Package sync implements the bidirectional reconciliation engine between the
// local calendar_events table and each user's Google primary calendar.
//
// The package contains three components:
//
//   - [Reconciler] runs one pull-then-push pass for a single user.
//   - [Engine] wraps the reconciler with tracing and metrics, runs the
//     scheduled pass over all connected users, and owns the ticker loop.
//   - [Queue] is the post-mutation trigger: a bounded, coalescing job queue
//     drained by a fixed set of workers.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/calsync/internal/model"
)

// Calendar is one user's remote primary calendar.
// Implemented by [google.Client].
type Calendar interface {
	ListEvents(ctx context.Context, w model.Window) ([]model.RemoteEvent, error)
	// CreateEvent and UpdateEvent return the event as stored remotely,
	// including the provider's modification time.
	CreateEvent(ctx context.Context, f model.EventFields) (model.RemoteEvent, error)
	UpdateEvent(ctx context.Context, remoteID string, f model.EventFields) (model.RemoteEvent, error)
	DeleteEvent(ctx context.Context, remoteID string) error
}

// CalendarFactory opens a Calendar authenticated with an access token.
type CalendarFactory func(ctx context.Context, accessToken string) (Calendar, error)

// TokenRefresher returns a usable access token for a credential.
// Implemented by [oauth.Refresher].
type TokenRefresher interface {
	EnsureFreshToken(ctx context.Context, c *model.Credential) (string, error)
}

// CredentialStore provides the credentials the engine runs on.
// Implemented by [state.Store], [postgres.CredentialRepo] and [seal.CredentialStore].
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*model.Credential, error)
	ListConnectedUsers(ctx context.Context) ([]string, error)
}

// EventStore is the local event table as seen by the reconciler.
// Implemented by [state.Store] and [postgres.EventRepo].
//
// The confirming writes take seen, the updated_at the run read. A row edited
// after that read is never marked synced by them:
//
//   - ApplyRemote writes nothing and returns errs.ErrStale.
//   - LinkRemote still records the remote id but leaves the row unsynced, with
//     updated_at raised to at least at so the edit wins the next comparison.
//     It returns errs.ErrStale when the row is gone or already linked.
//   - MarkSynced leaves the row unsynced the same way.
type EventStore interface {
	ListByUser(ctx context.Context, userID string) ([]*model.Event, error)
	ListRemoteLinked(ctx context.Context, userID string) ([]*model.Event, error)
	ListUnsynced(ctx context.Context, userID string) ([]*model.Event, error)
	Insert(ctx context.Context, ev *model.Event) error
	ApplyRemote(ctx context.Context, id string, seen time.Time, f model.EventFields, at time.Time) error
	LinkRemote(ctx context.Context, id, remoteID string, seen, at time.Time) error
	MarkSynced(ctx context.Context, id string, seen, at time.Time) error
	UnlinkRemote(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
