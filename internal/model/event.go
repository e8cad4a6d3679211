// Package model defines the types shared by the stores, the Google gateway,
// and the sync engine.
package model

import (
	"net/mail"
	"strings"
	"time"

	"github.com/njoerd114/calsync/internal/errs"
)

// UntitledEvent replaces an empty title coming from the remote calendar.
const UntitledEvent = "(sem título)"

// EventFields are the mutable, sync-relevant fields of a calendar event.
// They are what flows between the local table and the remote calendar.
type EventFields struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time

	// AllDay marks a date-only event. Start and End are then midnights in
	// the calendar's zone and End is exclusive.
	AllDay bool

	// Attendees are e-mail addresses.
	Attendees []string
}

// Validate checks the invariants enforced on local create and update.
func (f EventFields) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return errs.Validationf("title is required")
	}
	if f.Start.IsZero() || f.End.IsZero() {
		return errs.Validationf("start and end are required")
	}
	if !f.End.After(f.Start) {
		return errs.Validationf("end %s must be after start %s",
			f.End.Format(time.RFC3339), f.Start.Format(time.RFC3339))
	}
	for _, a := range f.Attendees {
		if _, err := mail.ParseAddress(a); err != nil {
			return errs.Validationf("attendee %q is not an e-mail address", a)
		}
	}
	return nil
}

// Event is a row of the local calendar_events table.
type Event struct {
	ID     string
	UserID string

	EventFields

	// RemoteEventID joins the row to its Google Calendar event. Empty means
	// NULL: the event is local-only and pending export.
	RemoteEventID string

	// IsSynced is false whenever local state has not been confirmed equal to
	// the remote state.
	IsSynced bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Linked reports whether the event references a remote event.
func (e *Event) Linked() bool { return e.RemoteEventID != "" }

// RemoteEvent is a Google Calendar event decoded at the gateway boundary.
// It only lives for the duration of one reconciliation run.
type RemoteEvent struct {
	RemoteID string

	EventFields

	LastModified time.Time
}

// Window is the time range a reconciliation run can see: events starting
// outside it are neither imported nor exported.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns [now - pastMonths, now + futureMonths].
func NewWindow(now time.Time, pastMonths, futureMonths int) Window {
	return Window{
		Start: now.AddDate(0, -pastMonths, 0),
		End:   now.AddDate(0, futureMonths, 0),
	}
}

// Contains reports whether t falls inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
