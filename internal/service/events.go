// Package service implements local event CRUD for CRM users. Every mutation
// fires the sync trigger so the user's calendar converges without waiting for
// the scheduled pass.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

// Store is the subset of the local event store the service writes through.
type Store interface {
	ListByUser(ctx context.Context, userID string) ([]*model.Event, error)
	Get(ctx context.Context, userID, id string) (*model.Event, error)
	Insert(ctx context.Context, ev *model.Event) error
	Update(ctx context.Context, ev *model.Event) error
	Delete(ctx context.Context, id string) error
}

// Trigger schedules a reconciliation for a user without blocking.
type Trigger interface {
	Enqueue(userID string) bool
}

// RemoteDeleter removes a remote event immediately.
type RemoteDeleter interface {
	DeleteRemote(ctx context.Context, userID, remoteID string) error
}

// Events is the local event service.
type Events struct {
	store   Store
	trigger Trigger
	remote  RemoteDeleter
	log     *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewEvents creates an Events service. remote may be nil when the Google
// integration is disabled; linked events are then deleted locally only.
func NewEvents(store Store, trigger Trigger, remote RemoteDeleter, logger *slog.Logger) *Events {
	return &Events{
		store:   store,
		trigger: trigger,
		remote:  remote,
		log:     logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// List returns the user's events ordered by start time.
func (s *Events) List(ctx context.Context, userID string) ([]*model.Event, error) {
	return s.store.ListByUser(ctx, userID)
}

// Get returns one of the user's events.
func (s *Events) Get(ctx context.Context, userID, id string) (*model.Event, error) {
	return s.store.Get(ctx, userID, id)
}

// Create validates f, stores a new local-only event, and triggers a sync.
func (s *Events) Create(ctx context.Context, userID string, f model.EventFields) (*model.Event, error) {
	f = normalize(f)
	if err := f.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ev := &model.Event{
		ID:          s.newID(),
		UserID:      userID,
		EventFields: f,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, ev); err != nil {
		return nil, fmt.Errorf("creating event: %w", err)
	}
	s.log.Info("event created", "user_id", userID, "event_id", ev.ID)

	s.fire(userID)
	return ev, nil
}

// Update replaces the mutable fields of an event. The row becomes unsynced
// until the next pass writes it to the calendar.
func (s *Events) Update(ctx context.Context, userID, id string, f model.EventFields) (*model.Event, error) {
	f = normalize(f)
	if err := f.Validate(); err != nil {
		return nil, err
	}

	ev, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	ev.EventFields = f
	ev.IsSynced = false
	ev.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, ev); err != nil {
		return nil, err
	}
	s.log.Info("event updated", "user_id", userID, "event_id", id)

	s.fire(userID)
	return ev, nil
}

// Delete removes an event. A linked event is first deleted from the calendar;
// if that fails the local row is kept so the delete can be retried. A user
// without a calendar connection loses only the local row.
func (s *Events) Delete(ctx context.Context, userID, id string) error {
	ev, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	if ev.Linked() && s.remote != nil {
		err := s.remote.DeleteRemote(ctx, userID, ev.RemoteEventID)
		switch {
		case errors.Is(err, errs.ErrCredentialMissing):
			s.log.Warn("calendar not connected, deleting locally only",
				"user_id", userID, "event_id", id, "remote_id", ev.RemoteEventID)
		case err != nil:
			return fmt.Errorf("deleting remote copy of event %s: %w", id, err)
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("event deleted", "user_id", userID, "event_id", id)

	s.fire(userID)
	return nil
}

func (s *Events) fire(userID string) {
	if s.trigger == nil {
		return
	}
	if !s.trigger.Enqueue(userID) {
		s.log.Warn("sync trigger dropped, scheduled pass will catch up", "user_id", userID)
	}
}

func normalize(f model.EventFields) model.EventFields {
	f.Title = strings.TrimSpace(f.Title)
	f.Location = strings.TrimSpace(f.Location)
	var attendees []string
	for _, a := range f.Attendees {
		if a = strings.TrimSpace(a); a != "" {
			attendees = append(attendees, a)
		}
	}
	f.Attendees = attendees
	f.Start = f.Start.UTC()
	f.End = f.End.UTC()
	return f
}
