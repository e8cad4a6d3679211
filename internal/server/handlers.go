package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/ics"
	"github.com/njoerd114/calsync/internal/model"
)

const maxBodyBytes = 1 << 20

type eventJSON struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Location      string    `json:"location,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AllDay        bool      `json:"all_day"`
	Attendees     []string  `json:"attendees,omitempty"`
	RemoteEventID string    `json:"remote_event_id,omitempty"`
	IsSynced      bool      `json:"is_synced"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type eventInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Attendees   []string  `json:"attendees"`
}

func toJSON(ev *model.Event) eventJSON {
	return eventJSON{
		ID:            ev.ID,
		Title:         ev.Title,
		Description:   ev.Description,
		Location:      ev.Location,
		Start:         ev.Start,
		End:           ev.End,
		AllDay:        ev.AllDay,
		Attendees:     ev.Attendees,
		RemoteEventID: ev.RemoteEventID,
		IsSynced:      ev.IsSynced,
		CreatedAt:     ev.CreatedAt,
		UpdatedAt:     ev.UpdatedAt,
	}
}

func decodeInput(w http.ResponseWriter, r *http.Request) (model.EventFields, error) {
	var in eventInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return model.EventFields{}, errs.Validationf("decoding body: %v", err)
	}
	return model.EventFields{
		Title:       in.Title,
		Description: in.Description,
		Location:    in.Location,
		Start:       in.Start,
		End:         in.End,
		AllDay:      in.AllDay,
		Attendees:   in.Attendees,
	}, nil
}

// --- events -----------------------------------------------------------------

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	events, err := s.events.List(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, toJSON(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	f, err := decodeInput(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.events.Create(r.Context(), userID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(ev))
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	f, err := decodeInput(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.events.Update(r.Context(), userID, r.PathValue("id"), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(ev))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	if err := s.events.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- google connect ---------------------------------------------------------

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.opts.GoogleEnabled || s.connector == nil {
		s.writeError(w, r, errDisabled)
		return
	}
	userID, _ := UserIDFromCtx(r.Context())
	state, err := s.signState(userID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("signing state: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.connector.AuthCodeURL(state)})
}

// handleCallback is the OAuth redirect target. It carries no session; the
// user is identified by the signed state parameter.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.opts.GoogleEnabled || s.connector == nil {
		s.writeError(w, r, errDisabled)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.writeError(w, r, errs.Validationf("authorization denied: %s", e))
		return
	}
	userID, err := s.verify(q.Get("state"), stateAudience)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.connector.Connect(r.Context(), userID, q.Get("code")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.connector == nil {
		s.writeError(w, r, errDisabled)
		return
	}
	userID, _ := UserIDFromCtx(r.Context())
	if err := s.connector.Disconnect(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ics --------------------------------------------------------------------

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	events, err := s.events.List(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := ics.Encode(&buf, "CRM", s.opts.Location, events); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calendar.ics"`)
	_, _ = w.Write(buf.Bytes())
}
