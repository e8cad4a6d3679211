package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
	syncp "github.com/njoerd114/calsync/internal/sync"
)

var (
	testKey = []byte("0123456789abcdef0123456789abcdef")
	now     = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// --- fakes ------------------------------------------------------------------

type fakeEvents struct {
	mu     sync.Mutex
	events map[string]*model.Event
	n      int
}

func newFakeEvents() *fakeEvents { return &fakeEvents{events: map[string]*model.Event{}} }

func (f *fakeEvents) List(_ context.Context, userID string) ([]*model.Event, error) {
	if userID == "boom" {
		panic("list exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Event
	for _, ev := range f.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (f *fakeEvents) Create(_ context.Context, userID string, fl model.EventFields) (*model.Event, error) {
	if err := fl.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	ev := &model.Event{ID: fmt.Sprintf("ev-%d", f.n), UserID: userID, EventFields: fl, CreatedAt: now, UpdatedAt: now}
	f.events[ev.ID] = ev
	return ev, nil
}

func (f *fakeEvents) Update(_ context.Context, userID, id string, fl model.EventFields) (*model.Event, error) {
	if err := fl.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok || ev.UserID != userID {
		return nil, errs.ErrNotFound
	}
	ev.EventFields = fl
	ev.IsSynced = false
	return ev, nil
}

func (f *fakeEvents) Delete(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok || ev.UserID != userID {
		return errs.ErrNotFound
	}
	delete(f.events, id)
	return nil
}

type fakeSyncer struct {
	stats syncp.Stats
	err   error
	batch syncp.BatchResult
	users []string
}

func (f *fakeSyncer) SyncUser(_ context.Context, userID string) (syncp.Stats, error) {
	f.users = append(f.users, userID)
	return f.stats, f.err
}

func (f *fakeSyncer) SyncAll(context.Context) (syncp.BatchResult, error) {
	return f.batch, nil
}

type fakeConnector struct {
	connected    map[string]string
	disconnected []string
}

func (f *fakeConnector) AuthCodeURL(state string) string {
	return "https://accounts.example/auth?state=" + url.QueryEscape(state)
}

func (f *fakeConnector) Connect(_ context.Context, userID, code string) error {
	if code == "" {
		return errs.Validationf("missing authorization code")
	}
	f.connected[userID] = code
	return nil
}

func (f *fakeConnector) Disconnect(_ context.Context, userID string) error {
	f.disconnected = append(f.disconnected, userID)
	return nil
}

// --- helpers ----------------------------------------------------------------

type fixture struct {
	srv    *Server
	events *fakeEvents
	syncer *fakeSyncer
	conn   *fakeConnector
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.SessionKey == nil {
		opts.SessionKey = testKey
	}
	f := &fixture{
		events: newFakeEvents(),
		syncer: &fakeSyncer{},
		conn:   &fakeConnector{connected: map[string]string{}},
	}
	f.srv = New(f.events, f.syncer, f.conn, opts, discard)
	f.srv.now = func() time.Time { return now }
	return f
}

func session(t *testing.T, userID string) string {
	t.Helper()
	tok, err := IssueSessionToken(testKey, userID, now, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Error)
	return body.Code
}

const eventBody = `{"title":"Visita Lisboa","location":"Rua Augusta 1","start":"2026-03-05T10:00:00Z","end":"2026-03-05T11:00:00Z"}`

// --- tests ------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_Rejections(t *testing.T) {
	f := newFixture(t, Options{})

	expired, err := IssueSessionToken(testKey, "u1", now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	wrongKey, err := IssueSessionToken([]byte("another-key-another-key-another-k"), "u1", now, time.Hour)
	require.NoError(t, err)
	noSubject, err := IssueSessionToken(testKey, "", now, time.Hour)
	require.NoError(t, err)
	state, err := f.srv.signState("u1")
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":     "",
		"garbage":     "not-a-jwt",
		"expired":     expired,
		"wrong key":   wrongKey,
		"no subject":  noSubject,
		"state token": state,
		"alg none":    none,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/v1/events", tok, "")
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, "unauthorized", errorCode(t, rec))
		})
	}
}

func TestEvents_CRUD(t *testing.T) {
	f := newFixture(t, Options{})
	tok := session(t, "u1")

	rec := f.do(t, http.MethodPost, "/v1/events", tok, eventBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created eventJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "Visita Lisboa", created.Title)
	require.False(t, created.IsSynced)

	rec = f.do(t, http.MethodGet, "/v1/events", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []eventJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	// Another user sees nothing and cannot touch the event.
	other := session(t, "u2")
	rec = f.do(t, http.MethodGet, "/v1/events", other, "")
	require.JSONEq(t, `[]`, rec.Body.String())
	rec = f.do(t, http.MethodDelete, "/v1/events/"+created.ID, other, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", errorCode(t, rec))

	upd := strings.Replace(eventBody, "Visita Lisboa", "Visita remarcada", 1)
	rec = f.do(t, http.MethodPut, "/v1/events/"+created.ID, tok, upd)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Visita remarcada")

	rec = f.do(t, http.MethodDelete, "/v1/events/"+created.ID, tok, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, f.events.events)
}

func TestEvents_AttendeesAndAllDay(t *testing.T) {
	f := newFixture(t, Options{})
	tok := session(t, "u1")

	body := `{"title":"Escritura","start":"2026-03-05T00:00:00Z","end":"2026-03-06T00:00:00Z",` +
		`"all_day":true,"attendees":["ana@example.com","notario@example.com"]}`
	rec := f.do(t, http.MethodPost, "/v1/events", tok, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created eventJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.AllDay)
	require.Equal(t, []string{"ana@example.com", "notario@example.com"}, created.Attendees)

	rec = f.do(t, http.MethodGet, "/v1/events", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"attendees":["ana@example.com","notario@example.com"]`)
	require.Contains(t, rec.Body.String(), `"all_day":true`)

	rec = f.do(t, http.MethodPost, "/v1/events", tok,
		`{"title":"x","start":"2026-03-05T10:00:00Z","end":"2026-03-05T11:00:00Z","attendees":["ana"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_BadInput(t *testing.T) {
	f := newFixture(t, Options{})
	tok := session(t, "u1")

	bodies := map[string]string{
		"malformed":     `{"title":`,
		"unknown field": `{"title":"x","colour":"red"}`,
		"end before":    `{"title":"x","start":"2026-03-05T11:00:00Z","end":"2026-03-05T10:00:00Z"}`,
		"no title":      `{"start":"2026-03-05T10:00:00Z","end":"2026-03-05T11:00:00Z"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/events", tok, body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "validation", errorCode(t, rec))
		})
	}
}

func TestSync_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not connected", fmt.Errorf("user u1: %w", errs.ErrCredentialMissing), http.StatusConflict, "not_connected"},
		{"reconnect", &errs.TokenRefreshError{UserID: "u1", Err: errors.New("invalid_grant")}, http.StatusConflict, "reconnect_required"},
		{"remote", fmt.Errorf("listing remote events: %w", &errs.RemoteAPIError{Op: "list", Status: 500}), http.StatusBadGateway, "remote_error"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{GoogleEnabled: true})
			f.syncer.err = tc.err
			rec := f.do(t, http.MethodPost, "/v1/sync", session(t, "u1"), "")
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestSync_InternalErrorHidesDetail(t *testing.T) {
	f := newFixture(t, Options{GoogleEnabled: true})
	f.syncer.err = errors.New("pq: password authentication failed")
	rec := f.do(t, http.MethodPost, "/v1/sync", session(t, "u1"), "")
	require.NotContains(t, rec.Body.String(), "password")
}

func TestSync_OK(t *testing.T) {
	f := newFixture(t, Options{GoogleEnabled: true})
	f.syncer.stats = syncp.Stats{Imported: 1, Exported: 2}

	rec := f.do(t, http.MethodPost, "/v1/sync", session(t, "u1"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"imported":1,"updated":0,"deleted":0,"skipped":0,"exported":2,"updated_remotely":0,"errors":0}`, rec.Body.String())
	require.Equal(t, []string{"u1"}, f.syncer.users)
}

func TestSync_Disabled(t *testing.T) {
	f := newFixture(t, Options{GoogleEnabled: false})
	rec := f.do(t, http.MethodPost, "/v1/sync", session(t, "u1"), "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Empty(t, f.syncer.users)
}

func TestScheduled(t *testing.T) {
	f := newFixture(t, Options{GoogleEnabled: true, SchedulerKey: "cron-secret"})
	f.syncer.batch = syncp.BatchResult{Users: 3, Succeeded: 2, Failed: 1, ReconnectRequired: 1}

	rec := f.do(t, http.MethodPost, "/v1/sync/scheduled", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/sync/scheduled", nil)
	req.Header.Set("X-Scheduler-Key", "cron-secret")
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var res syncp.BatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, 3, res.Users)
	require.Equal(t, 1, res.ReconnectRequired)
}

func TestScheduled_Disabled(t *testing.T) {
	f := newFixture(t, Options{GoogleEnabled: false})
	rec := f.do(t, http.MethodPost, "/v1/sync/scheduled", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "disabled", errorCode(t, rec))
}

func TestGoogleConnectFlow(t *testing.T) {
	f := newFixture(t, Options{GoogleEnabled: true})

	rec := f.do(t, http.MethodGet, "/v1/google/connect", session(t, "u1"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	u, err := url.Parse(out.URL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	rec = f.do(t, http.MethodGet, "/v1/google/callback?code=auth-code&state="+url.QueryEscape(state), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "auth-code", f.conn.connected["u1"])

	rec = f.do(t, http.MethodDelete, "/v1/google/connection", session(t, "u1"), "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"u1"}, f.conn.disconnected)
}

func TestGoogleCallback_Rejections(t *testing.T) {
	f := newFixture(t, Options{GoogleEnabled: true})
	state, err := f.srv.signState("u1")
	require.NoError(t, err)

	// A session token is not a valid state.
	rec := f.do(t, http.MethodGet, "/v1/google/callback?code=c&state="+session(t, "u1"), "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/google/callback?error=access_denied&state="+state, "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/google/callback?state="+state, "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Expired state.
	f.srv.now = func() time.Time { return now.Add(time.Hour) }
	rec = f.do(t, http.MethodGet, "/v1/google/callback?code=c&state="+state, "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	require.Empty(t, f.conn.connected)
}

func TestICSFeed(t *testing.T) {
	f := newFixture(t, Options{})
	tok := session(t, "u1")
	rec := f.do(t, http.MethodPost, "/v1/events", tok, eventBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/calendar.ics?token="+tok, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "SUMMARY:Visita Lisboa")
	require.Contains(t, rec.Body.String(), "DTSTART:20260305T100000Z")

	// Query tokens are only accepted on the feed.
	rec = f.do(t, http.MethodGet, "/v1/events?token="+tok, "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecoverPanics(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/v1/events", session(t, "boom"), "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal", errorCode(t, rec))
}
