// Calsync keeps the CRM's local calendar events and each user's Google
// Calendar in sync.
//
// Usage:
//
//	calsync serve                    # HTTP API, trigger queue and scheduler
//	calsync sync-once [--user ID]    # one reconciliation, or a full pass
//	calsync migrate                  # apply PostgreSQL migrations
//	calsync version                  # print version
//
// Global flags --config (CALSYNC_CONFIG) and --log-level (LOG_LEVEL) apply to
// every command. A .env file in the working directory is loaded first.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/calsync/internal/config"
	"github.com/njoerd114/calsync/internal/server"
	"github.com/njoerd114/calsync/internal/service"
	syncp "github.com/njoerd114/calsync/internal/sync"
	"github.com/njoerd114/calsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "calsync",
		Usage:   "Bidirectional Google Calendar sync for CRM users.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath(),
				EnvVars: []string{"CALSYNC_CONFIG"},
				Usage:   "path to the YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
				Usage:   "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncOnceCommand(),
			migrateCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// --- Commands ----------------------------------------------------------------

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the sync trigger queue and the scheduled pass.",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			rt, err := setup(ctx, c, true)
			if err != nil {
				return err
			}
			defer rt.Close()
			return serve(ctx, rt)
		},
	}
}

func syncOnceCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-once",
		Usage: "Reconcile one user, or every connected user, then exit.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "user id to reconcile; all connected users when empty"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			rt, err := setup(ctx, c, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.cfg.Google.Enabled {
				return errors.New("google.enabled is false; nothing to sync")
			}

			if userID := c.String("user"); userID != "" {
				stats, err := rt.engine.SyncUser(ctx, userID)
				if err != nil {
					return fmt.Errorf("syncing user %s: %w", userID, err)
				}
				return printJSON(stats)
			}

			res, err := rt.engine.SyncAll(ctx)
			if err != nil {
				return fmt.Errorf("scheduled pass: %w", err)
			}
			return printJSON(res)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply PostgreSQL schema migrations.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				logger.Info("sqlite schema is applied on open, nothing to migrate", "path", cfg.Database.Path)
				return nil
			}
			return runMigrations(c.Context, cfg, logger)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version.",
		Action: func(*cli.Context) error {
			fmt.Println("calsync", version)
			return nil
		},
	}
}

// --- Serve -------------------------------------------------------------------

func serve(ctx context.Context, rt *deps) error {
	cfg, logger := rt.cfg, rt.log

	// Nil interfaces mark the integration as unavailable.
	var (
		trigger   service.Trigger
		remote    service.RemoteDeleter
		syncer    server.Syncer
		connector server.Connector
		queue     *syncp.Queue
	)
	if cfg.Google.Enabled {
		queue = syncp.NewQueue(rt.engine, cfg.Sync.QueueSize, cfg.Sync.Workers, logger)
		trigger = queue
		remote = rt.reconciler
		syncer = rt.engine
		connector = rt.connector
	} else {
		logger.Warn("google integration disabled; events are stored locally only")
	}

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("loading time zone: %w", err)
	}

	events := service.NewEvents(rt.events, trigger, remote, logger)
	srv := server.New(events, syncer, connector, server.Options{
		Location:      loc,
		SessionKey:    []byte(cfg.Server.SessionKey),
		SchedulerKey:  cfg.Server.SchedulerKey,
		GoogleEnabled: cfg.Google.Enabled,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Server.Addr) })

	if queue != nil {
		g.Go(func() error {
			queue.Run(ctx)
			return nil
		})
	}

	if cfg.Google.Enabled && !cfg.Sync.SchedulerDisabled {
		logger.Info("scheduler started", "interval", cfg.Sync.Interval, "concurrency", cfg.Sync.Concurrency)
		g.Go(func() error {
			if err := rt.engine.Run(ctx, cfg.Sync.Interval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	logger.Info("calsync started",
		"version", version,
		"addr", cfg.Server.Addr,
		"driver", cfg.Database.Driver,
		"google", cfg.Google.Enabled,
	)
	err = g.Wait()
	logger.Info("calsync stopped")
	return err
}

// --- Helpers -----------------------------------------------------------------

// loadConfig reads the configuration and builds the logger. Telemetry is set
// up by [setup]; commands that only need config call this directly.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	logger := setupLogger(c.String("log-level"))

	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", path, err)
	}
	logger.Info("config loaded",
		"path", path,
		"driver", cfg.Database.Driver,
		"google", cfg.Google.Enabled,
		"interval", cfg.Sync.Interval,
	)
	return cfg, logger, nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// setupTelemetry installs the OTel providers when configured and routes the
// logger through them. Failures are logged and telemetry stays off.
func setupTelemetry(cfg *config.Config, logger *slog.Logger) (*slog.Logger, func()) {
	if cfg.Telemetry == nil {
		return logger, func() {}
	}
	shutdown, err := telemetry.Setup(context.Background(), *cfg.Telemetry, version)
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return logger, func() {}
	}

	logger = slog.New(telemetry.LogHandler(logger.Handler(), "calsync"))
	slog.SetDefault(logger)
	logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)

	return logger, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
