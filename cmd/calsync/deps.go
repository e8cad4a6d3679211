package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/njoerd114/calsync/internal/config"
	"github.com/njoerd114/calsync/internal/google"
	"github.com/njoerd114/calsync/internal/migrate"
	"github.com/njoerd114/calsync/internal/oauth"
	"github.com/njoerd114/calsync/internal/repository/postgres"
	"github.com/njoerd114/calsync/internal/retry"
	"github.com/njoerd114/calsync/internal/seal"
	"github.com/njoerd114/calsync/internal/service"
	"github.com/njoerd114/calsync/internal/state"
	syncp "github.com/njoerd114/calsync/internal/sync"
)

// eventStore is what both the sync engine and the event service need from
// the local event store.
type eventStore interface {
	syncp.EventStore
	service.Store
}

// deps holds the wired components shared by serve and sync-once.
type deps struct {
	cfg *config.Config
	log *slog.Logger

	events     eventStore
	creds      seal.Store
	reconciler *syncp.Reconciler
	engine     *syncp.Engine
	connector  *oauth.Connector

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (rt *deps) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// setup loads config, telemetry and the stores, and wires the sync engine.
// withMigrations applies PostgreSQL migrations before opening the pool.
func setup(ctx context.Context, c *cli.Context, withMigrations bool) (*deps, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	rt := &deps{cfg: cfg}

	logger, stopTelemetry := setupTelemetry(cfg, logger)
	rt.log = logger
	rt.closers = append(rt.closers, stopTelemetry)

	if err := rt.openStores(ctx, withMigrations); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.sealCredentials(); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.wireSync(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *deps) openStores(ctx context.Context, withMigrations bool) error {
	cfg, logger := rt.cfg, rt.log
	policy := retry.Policy{
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("database not ready, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		if withMigrations {
			if err := runMigrations(ctx, cfg, logger); err != nil {
				return err
			}
		}
		db, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("creating postgres pool: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		if err := policy.Do(ctx, db.Ping); err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		rt.events = postgres.NewEventRepo(db)
		rt.creds = postgres.NewCredentialRepo(db)

	default:
		store, err := state.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening sqlite store at %q: %w", cfg.Database.Path, err)
		}
		rt.closers = append(rt.closers, func() {
			if err := store.Close(); err != nil {
				logger.Error("closing sqlite store", "error", err)
			}
		})
		if err := policy.Do(ctx, store.Ping); err != nil {
			return fmt.Errorf("pinging sqlite store: %w", err)
		}
		rt.events = store
		rt.creds = store
	}

	logger.Info("store ready", "driver", cfg.Database.Driver)
	return nil
}

func (rt *deps) sealCredentials() error {
	key, err := rt.cfg.TokenKeyBytes()
	if err != nil {
		return err
	}
	if key == nil {
		rt.log.Warn("security.token_key not set; OAuth tokens are stored in plaintext")
		return nil
	}
	sealer, err := seal.New(key)
	if err != nil {
		return fmt.Errorf("creating token sealer: %w", err)
	}
	rt.creds = seal.Wrap(rt.creds, sealer)
	return nil
}

func (rt *deps) wireSync() error {
	cfg, logger := rt.cfg, rt.log

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("loading time zone: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.Google.RequestTimeout}
	oauthCfg := oauth.NewConfig(cfg.Google)
	refresher := oauth.NewRefresher(oauthCfg, rt.creds, httpClient, logger)
	rt.connector = oauth.NewConnector(oauthCfg, rt.creds, httpClient, logger)

	gateway := google.NewGateway(google.Options{
		Endpoint: cfg.Google.APIEndpoint,
		Timeout:  cfg.Google.RequestTimeout,
		Location: loc,
	}, logger)
	calendars := func(ctx context.Context, token string) (syncp.Calendar, error) {
		client, err := gateway.ForToken(ctx, token)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	rt.reconciler = syncp.NewReconciler(rt.events, rt.creds, refresher, calendars, logger,
		syncp.WithWindow(cfg.Sync.PastMonths, cfg.Sync.FutureMonths),
	)
	rt.engine = syncp.NewEngine(rt.reconciler, rt.creds, cfg.Sync.Concurrency, logger)
	return nil
}

func runMigrations(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	policy := retry.Policy{
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("migration attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	if err := policy.Do(ctx, func(ctx context.Context) error {
		return migrate.Up(ctx, cfg.Database.DSN)
	}); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
