// Package server exposes the HTTP API: session-authenticated event CRUD and
// sync entry points, the Google connect flow, and an ICS feed.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/njoerd114/calsync/internal/model"
	syncp "github.com/njoerd114/calsync/internal/sync"
)

// EventService is the local event CRUD service.
type EventService interface {
	List(ctx context.Context, userID string) ([]*model.Event, error)
	Create(ctx context.Context, userID string, f model.EventFields) (*model.Event, error)
	Update(ctx context.Context, userID, id string, f model.EventFields) (*model.Event, error)
	Delete(ctx context.Context, userID, id string) error
}

// Syncer runs reconciliations. Implemented by [syncp.Engine].
type Syncer interface {
	SyncUser(ctx context.Context, userID string) (syncp.Stats, error)
	SyncAll(ctx context.Context) (syncp.BatchResult, error)
}

// Connector drives the Google OAuth connect flow.
type Connector interface {
	AuthCodeURL(state string) string
	Connect(ctx context.Context, userID, code string) error
	Disconnect(ctx context.Context, userID string) error
}

// Options configures the Server.
type Options struct {
	// SessionKey verifies session tokens and signs OAuth state.
	SessionKey []byte

	// SchedulerKey, when set, must be sent as X-Scheduler-Key on the
	// scheduled sync endpoint.
	SchedulerKey string

	// GoogleEnabled gates the sync and connect endpoints.
	GoogleEnabled bool

	// Location is the calendar zone all-day events are rendered in.
	Location *time.Location

	StateTTL     time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	events    EventService
	syncer    Syncer
	connector Connector
	opts      Options
	log       *slog.Logger
	now       func() time.Time

	handler http.Handler
}

// New creates a Server. syncer and connector may be nil when the Google
// integration is disabled.
func New(events EventService, syncer Syncer, connector Connector, opts Options, logger *slog.Logger) *Server {
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	s := &Server{
		events:    events,
		syncer:    syncer,
		connector: connector,
		opts:      opts,
		log:       logger,
		now:       time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/sync", s.requireUser(s.handleSync, false))
	mux.HandleFunc("POST /v1/sync/scheduled", s.handleScheduled)

	mux.HandleFunc("GET /v1/events", s.requireUser(s.handleListEvents, false))
	mux.HandleFunc("POST /v1/events", s.requireUser(s.handleCreateEvent, false))
	mux.HandleFunc("PUT /v1/events/{id}", s.requireUser(s.handleUpdateEvent, false))
	mux.HandleFunc("DELETE /v1/events/{id}", s.requireUser(s.handleDeleteEvent, false))

	mux.HandleFunc("GET /v1/google/connect", s.requireUser(s.handleConnect, false))
	mux.HandleFunc("GET /v1/google/callback", s.handleCallback)
	mux.HandleFunc("DELETE /v1/google/connection", s.requireUser(s.handleDisconnect, false))

	mux.HandleFunc("GET /v1/calendar.ics", s.requireUser(s.handleICS, true))

	s.handler = s.recoverPanics(s.logging(mux))
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) googleReady() bool {
	return s.opts.GoogleEnabled && s.syncer != nil
}

// --- sync -------------------------------------------------------------------

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.googleReady() {
		s.writeError(w, r, errDisabled)
		return
	}
	userID, _ := UserIDFromCtx(r.Context())
	stats, err := s.syncer.SyncUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	if key := s.opts.SchedulerKey; key != "" {
		got := r.Header.Get("X-Scheduler-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			s.writeError(w, r, fmt.Errorf("%w: bad scheduler key", errUnauthorized))
			return
		}
	}
	if !s.googleReady() {
		s.writeError(w, r, errDisabled)
		return
	}
	res, err := s.syncer.SyncAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
