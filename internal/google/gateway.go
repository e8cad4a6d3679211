// Package google is the remote event gateway: a typed wrapper around the
// Google Calendar v3 API scoped to a user's primary calendar.
//
// Provider JSON never leaves this package; events are decoded into
// [model.RemoteEvent] at the boundary.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

const (
	calendarID = "primary"
	pageSize   = 250
	dateLayout = "2006-01-02"
)

// Gateway builds per-run calendar clients from access tokens.
type Gateway struct {
	endpoint string
	timeout  time.Duration
	loc      *time.Location
	base     http.RoundTripper
	log      *slog.Logger
}

// Options configures a Gateway.
type Options struct {
	// Endpoint overrides the Calendar API base URL. Empty uses Google's.
	Endpoint string

	// Timeout bounds every API call.
	Timeout time.Duration

	// Location is the zone exported events are written in and all-day
	// events are read in.
	Location *time.Location

	// Transport is the underlying round tripper. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// NewGateway returns a Gateway.
func NewGateway(opts Options, log *slog.Logger) *Gateway {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Gateway{
		endpoint: opts.Endpoint,
		timeout:  opts.Timeout,
		loc:      loc,
		base:     opts.Transport,
		log:      log,
	}
}

// ForToken returns a Client authenticated with accessToken.
func (g *Gateway) ForToken(ctx context.Context, accessToken string) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	hc := &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: g.base},
		Timeout:   g.timeout,
	}

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return &Client{svc: svc, loc: g.loc, log: g.log}, nil
}

// Client talks to one user's primary calendar.
type Client struct {
	svc *calendar.Service
	loc *time.Location
	log *slog.Logger
}

// ListEvents returns all events starting in w, recurring events expanded into
// single instances, ordered by start time. Cancelled instances are dropped.
func (c *Client) ListEvents(ctx context.Context, w model.Window) ([]model.RemoteEvent, error) {
	call := c.svc.Events.List(calendarID).
		TimeMin(w.Start.Format(time.RFC3339)).
		TimeMax(w.End.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		ShowDeleted(false).
		MaxResults(pageSize)

	var out []model.RemoteEvent
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, err := c.fromGoogle(item)
			if err != nil {
				c.log.Warn("skipping undecodable remote event", "remote_id", item.Id, "error", err)
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, apiError("list", err)
	}
	return out, nil
}

// CreateEvent inserts a new event and returns it as stored remotely.
func (c *Client) CreateEvent(ctx context.Context, f model.EventFields) (model.RemoteEvent, error) {
	ev := &calendar.Event{}
	c.setFields(ev, f)
	created, err := c.svc.Events.Insert(calendarID, ev).Context(ctx).Do()
	if err != nil {
		return model.RemoteEvent{}, apiError("create", err)
	}
	return c.written(created, f), nil
}

// UpdateEvent writes f over the remote event and returns it as stored
// remotely. The event is fetched first so that state the local model does
// not carry (attendee responses, reminders, conference data) survives. A
// 404/410 is reported as a *errs.RemoteAPIError matching errs.ErrRemoteNotFound.
func (c *Client) UpdateEvent(ctx context.Context, remoteID string, f model.EventFields) (model.RemoteEvent, error) {
	current, err := c.svc.Events.Get(calendarID, remoteID).Context(ctx).Do()
	if err != nil {
		return model.RemoteEvent{}, apiError("update", err)
	}
	c.setFields(current, f)
	updated, err := c.svc.Events.Update(calendarID, remoteID, current).Context(ctx).Do()
	if err != nil {
		return model.RemoteEvent{}, apiError("update", err)
	}
	return c.written(updated, f), nil
}

// DeleteEvent removes the remote event. An event that is already gone counts
// as deleted.
func (c *Client) DeleteEvent(ctx context.Context, remoteID string) error {
	err := c.svc.Events.Delete(calendarID, remoteID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	if aerr := apiError("delete", err); !errors.Is(aerr, errs.ErrRemoteNotFound) {
		return aerr
	}
	c.log.Debug("remote event already deleted", "remote_id", remoteID)
	return nil
}

// --- conversion --------------------------------------------------------------

// written decodes the provider's echo of a write. An echo that cannot be
// decoded still carries the id, so the write is reported with the fields sent.
func (c *Client) written(item *calendar.Event, sent model.EventFields) model.RemoteEvent {
	re, err := c.fromGoogle(item)
	if err != nil {
		c.log.Warn("undecodable write response", "remote_id", item.Id, "error", err)
		return model.RemoteEvent{RemoteID: item.Id, EventFields: sent}
	}
	return re
}

func (c *Client) fromGoogle(item *calendar.Event) (model.RemoteEvent, error) {
	start, err := c.parseEventTime(item.Start)
	if err != nil {
		return model.RemoteEvent{}, fmt.Errorf("start: %w", err)
	}
	end, err := c.parseEventTime(item.End)
	if err != nil {
		return model.RemoteEvent{}, fmt.Errorf("end: %w", err)
	}

	title := item.Summary
	if title == "" {
		title = model.UntitledEvent
	}

	var attendees []string
	for _, a := range item.Attendees {
		if a.Email != "" {
			attendees = append(attendees, a.Email)
		}
	}

	var modified time.Time
	if item.Updated != "" {
		if modified, err = time.Parse(time.RFC3339, item.Updated); err != nil {
			return model.RemoteEvent{}, fmt.Errorf("updated: %w", err)
		}
	}

	return model.RemoteEvent{
		RemoteID: item.Id,
		EventFields: model.EventFields{
			Title:       title,
			Description: item.Description,
			Location:    item.Location,
			Start:       start,
			End:         end,
			AllDay:      item.Start.Date != "" && item.Start.DateTime == "",
			Attendees:   attendees,
		},
		LastModified: modified,
	}, nil
}

// parseEventTime reads a timed or all-day boundary. All-day dates become
// midnight in the gateway's zone.
func (c *Client) parseEventTime(dt *calendar.EventDateTime) (time.Time, error) {
	switch {
	case dt == nil:
		return time.Time{}, errors.New("missing")
	case dt.DateTime != "":
		return time.Parse(time.RFC3339, dt.DateTime)
	case dt.Date != "":
		return time.ParseInLocation(dateLayout, dt.Date, c.loc)
	default:
		return time.Time{}, errors.New("neither date nor dateTime set")
	}
}

// setFields writes the locally owned fields onto ev. Attendees already on ev
// keep their response state; those missing from f are dropped.
func (c *Client) setFields(ev *calendar.Event, f model.EventFields) {
	ev.Summary = f.Title
	ev.Description = f.Description
	ev.Location = f.Location
	ev.Start = c.eventTime(f.Start, f.AllDay)
	ev.End = c.eventTime(f.End, f.AllDay)

	existing := make(map[string]*calendar.EventAttendee, len(ev.Attendees))
	for _, a := range ev.Attendees {
		existing[strings.ToLower(a.Email)] = a
	}
	attendees := make([]*calendar.EventAttendee, 0, len(f.Attendees))
	for _, email := range f.Attendees {
		if a, ok := existing[strings.ToLower(email)]; ok {
			attendees = append(attendees, a)
			continue
		}
		attendees = append(attendees, &calendar.EventAttendee{Email: email})
	}
	ev.Attendees = nil
	if len(attendees) > 0 {
		ev.Attendees = attendees
	}
}

func (c *Client) eventTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.In(c.loc).Format(dateLayout)}
	}
	return &calendar.EventDateTime{
		DateTime: t.In(c.loc).Format(time.RFC3339),
		TimeZone: c.loc.String(),
	}
}

// apiError converts a client library error into *errs.RemoteAPIError.
func apiError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		body := gerr.Body
		if body == "" {
			body = gerr.Message
		}
		return &errs.RemoteAPIError{Op: op, Status: gerr.Code, Body: body, Err: err}
	}
	return &errs.RemoteAPIError{Op: op, Err: err}
}
