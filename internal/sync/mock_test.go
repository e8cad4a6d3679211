package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Clock -------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- Fake Calendar -----------------------------------------------------------

type fakeCalendar struct {
	mu     sync.Mutex
	clock  *fakeClock
	events map[string]model.RemoteEvent

	// ids are handed out by CreateEvent in order before falling back to
	// generated ones.
	ids    []string
	nextID int

	listErr   error
	createErr map[string]error // by title
	updateErr map[string]error // by remote id

	// tick advances the clock on every write, as the provider stamps
	// modifications after the run has started.
	tick time.Duration

	// createDelay holds CreateEvent open without holding the calendar.
	createDelay time.Duration

	// onCreate and onUpdate run after a successful write, outside the lock.
	onCreate func(remoteID string)
	onUpdate func(remoteID string)

	created []model.EventFields
	updated []string
	deleted []string
}

func newFakeCalendar(clock *fakeClock, events ...model.RemoteEvent) *fakeCalendar {
	c := &fakeCalendar{
		clock:     clock,
		events:    make(map[string]model.RemoteEvent),
		createErr: make(map[string]error),
		updateErr: make(map[string]error),
	}
	for _, ev := range events {
		c.events[ev.RemoteID] = ev
	}
	return c
}

func (c *fakeCalendar) ListEvents(_ context.Context, w model.Window) ([]model.RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []model.RemoteEvent
	for _, ev := range c.events {
		if w.Contains(ev.Start) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (c *fakeCalendar) CreateEvent(_ context.Context, f model.EventFields) (model.RemoteEvent, error) {
	if c.createDelay > 0 {
		time.Sleep(c.createDelay)
	}
	re, err := c.create(f)
	if err == nil && c.onCreate != nil {
		c.onCreate(re.RemoteID)
	}
	return re, err
}

func (c *fakeCalendar) create(f model.EventFields) (model.RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.createErr[f.Title]; err != nil {
		return model.RemoteEvent{}, err
	}
	var id string
	if len(c.ids) > 0 {
		id, c.ids = c.ids[0], c.ids[1:]
	} else {
		c.nextID++
		id = fmt.Sprintf("remote-%d", c.nextID)
	}
	c.created = append(c.created, f)
	c.clock.Advance(c.tick)
	re := model.RemoteEvent{RemoteID: id, EventFields: f, LastModified: c.clock.Now()}
	c.events[id] = re
	return re, nil
}

func (c *fakeCalendar) UpdateEvent(_ context.Context, remoteID string, f model.EventFields) (model.RemoteEvent, error) {
	re, err := c.update(remoteID, f)
	if err == nil && c.onUpdate != nil {
		c.onUpdate(remoteID)
	}
	return re, err
}

func (c *fakeCalendar) update(remoteID string, f model.EventFields) (model.RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.updateErr[remoteID]; err != nil {
		return model.RemoteEvent{}, err
	}
	if _, ok := c.events[remoteID]; !ok {
		return model.RemoteEvent{}, &errs.RemoteAPIError{Op: "update", Status: 404}
	}
	c.updated = append(c.updated, remoteID)
	c.clock.Advance(c.tick)
	re := model.RemoteEvent{RemoteID: remoteID, EventFields: f, LastModified: c.clock.Now()}
	c.events[remoteID] = re
	return re, nil
}

func (c *fakeCalendar) DeleteEvent(_ context.Context, remoteID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, remoteID)
	delete(c.events, remoteID)
	return nil
}

func (c *fakeCalendar) put(ev model.RemoteEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[ev.RemoteID] = ev
}

func (c *fakeCalendar) remove(remoteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, remoteID)
}

func (c *fakeCalendar) get(remoteID string) (model.RemoteEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[remoteID]
	return ev, ok
}

func (c *fakeCalendar) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created)
}

func (c *fakeCalendar) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *fakeCalendar) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created) + len(c.updated) + len(c.deleted)
}

// --- Fake Event Store --------------------------------------------------------

type fakeStore struct {
	mu     sync.Mutex
	events map[string]*model.Event

	insertErr error
	linkErr   error
	writes    int
}

func newFakeStore(events ...*model.Event) *fakeStore {
	s := &fakeStore{events: make(map[string]*model.Event)}
	for _, ev := range events {
		cp := *ev
		s.events[ev.ID] = &cp
	}
	return s
}

func (s *fakeStore) list(userID string, keep func(*model.Event) bool) []*model.Event {
	var out []*model.Event
	for _, ev := range s.events {
		if ev.UserID == userID && keep(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *fakeStore) ListByUser(_ context.Context, userID string) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(userID, func(*model.Event) bool { return true }), nil
}

func (s *fakeStore) ListRemoteLinked(_ context.Context, userID string) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(userID, func(ev *model.Event) bool { return ev.Linked() }), nil
}

func (s *fakeStore) ListUnsynced(_ context.Context, userID string) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(userID, func(ev *model.Event) bool { return !ev.IsSynced }), nil
}

func (s *fakeStore) remoteTaken(userID, remoteID string) bool {
	for _, ev := range s.events {
		if ev.UserID == userID && ev.RemoteEventID == remoteID {
			return true
		}
	}
	return false
}

func (s *fakeStore) Insert(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if ev.Linked() && s.remoteTaken(ev.UserID, ev.RemoteEventID) {
		return errs.ErrAlreadyExists
	}
	cp := *ev
	s.events[ev.ID] = &cp
	s.writes++
	return nil
}

func (s *fakeStore) ApplyRemote(_ context.Context, id string, seen time.Time, f model.EventFields, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || !ev.UpdatedAt.Equal(seen) {
		return errs.ErrStale
	}
	ev.EventFields = f
	ev.IsSynced = true
	ev.UpdatedAt = at
	s.writes++
	return nil
}

func (s *fakeStore) LinkRemote(_ context.Context, id, remoteID string, seen, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkErr != nil {
		return s.linkErr
	}
	ev, ok := s.events[id]
	if !ok || ev.Linked() {
		return errs.ErrStale
	}
	if s.remoteTaken(ev.UserID, remoteID) {
		return errs.ErrAlreadyExists
	}
	ev.RemoteEventID = remoteID
	confirm(ev, seen, at)
	s.writes++
	return nil
}

func (s *fakeStore) MarkSynced(_ context.Context, id string, seen, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return errs.ErrNotFound
	}
	confirm(ev, seen, at)
	s.writes++
	return nil
}

// confirm mirrors the stores' conditional update of is_synced and updated_at.
func confirm(ev *model.Event, seen, at time.Time) {
	if ev.UpdatedAt.Equal(seen) {
		ev.IsSynced = true
		ev.UpdatedAt = at
		return
	}
	if at.After(ev.UpdatedAt) {
		ev.UpdatedAt = at
	}
}

// edit applies a local edit the way the event service does.
func (s *fakeStore) edit(id, title string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events[id]
	ev.Title = title
	ev.IsSynced = false
	ev.UpdatedAt = at
}

func (s *fakeStore) UnlinkRemote(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return errs.ErrNotFound
	}
	ev.RemoteEventID = ""
	ev.IsSynced = false
	s.writes++
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
	s.writes++
	return nil
}

func (s *fakeStore) get(id string) *model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil
	}
	cp := *ev
	return &cp
}

func (s *fakeStore) byRemoteID(userID, remoteID string) []*model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(userID, func(ev *model.Event) bool { return ev.RemoteEventID == remoteID })
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// --- Fake Credentials and Tokens ---------------------------------------------

type fakeCreds struct {
	mu    sync.Mutex
	creds map[string]*model.Credential
}

func newFakeCreds(userIDs ...string) *fakeCreds {
	c := &fakeCreds{creds: make(map[string]*model.Credential)}
	for _, id := range userIDs {
		c.creds[id] = &model.Credential{UserID: id, Provider: model.ProviderGoogle, AccessToken: "at-" + id, RefreshToken: "rt-" + id}
	}
	return c
}

func (c *fakeCreds) GetCredential(_ context.Context, userID string) (*model.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.creds[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (c *fakeCreds) ListConnectedUsers(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.creds))
	for id := range c.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeTokens struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (f *fakeTokens) EnsureFreshToken(_ context.Context, c *model.Credential) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[c.UserID] {
		return "", &errs.TokenRefreshError{UserID: c.UserID, Err: fmt.Errorf("oauth2: \"invalid_grant\"")}
	}
	return c.AccessToken, nil
}

// calendarsByToken routes access tokens to per-user fake calendars and counts
// how often a calendar was opened.
type calendarsByToken struct {
	mu     sync.Mutex
	byTok  map[string]*fakeCalendar
	opened int
}

func (c *calendarsByToken) factory(_ context.Context, token string) (Calendar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	cal, ok := c.byTok[token]
	if !ok {
		return nil, fmt.Errorf("no calendar for token %q", token)
	}
	return cal, nil
}

// --- Fake Runner -------------------------------------------------------------

type runResult struct {
	stats Stats
	err   error
}

type fakeRunner struct {
	mu       sync.Mutex
	results  map[string]runResult
	calls    []string
	inflight int
	maxSeen  int
	delay    time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, userID string) (Stats, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID)
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	res := f.results[userID]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	return res.stats, res.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// --- helpers -----------------------------------------------------------------

// at returns a UTC timestamp on 2025-06-01 plus the given hours.
func at(hours float64) time.Time {
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(hours * float64(time.Hour)))
}

func localEvent(id, userID, title string, start time.Time) *model.Event {
	return &model.Event{
		ID:     id,
		UserID: userID,
		EventFields: model.EventFields{
			Title: title,
			Start: start,
			End:   start.Add(time.Hour),
		},
		CreatedAt: start.Add(-48 * time.Hour),
		UpdatedAt: start.Add(-48 * time.Hour),
	}
}

func remoteEvent(id, title string, start, modified time.Time) model.RemoteEvent {
	return model.RemoteEvent{
		RemoteID: id,
		EventFields: model.EventFields{
			Title: title,
			Start: start,
			End:   start.Add(time.Hour),
		},
		LastModified: modified,
	}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("local-%d", n)
	}
}
