// Package config loads and validates the calsync YAML configuration.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // time_zone must resolve in minimal containers

	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Google   GoogleConfig   `yaml:"google"`
	Sync     SyncConfig     `yaml:"sync"`
	Security SecurityConfig `yaml:"security"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SessionKey is the HS256 key that signs session bearer tokens issued by
	// the auth service. It also signs OAuth state parameters.
	SessionKey string `yaml:"session_key"`

	// SchedulerKey, when set, must be sent as X-Scheduler-Key on the
	// scheduled sync endpoint.
	SchedulerKey string `yaml:"scheduler_key"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`

	// Path is the SQLite file. Used when Driver is "sqlite".
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string. Used when Driver is "postgres".
	DSN string `yaml:"dsn"`
}

// GoogleConfig holds the Google Calendar integration settings.
type GoogleConfig struct {
	// Enabled switches the integration on globally. The scheduled pass
	// refuses to run while it is false.
	Enabled bool `yaml:"enabled"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`

	// TokenURL and AuthURL override the Google OAuth endpoints.
	TokenURL string `yaml:"token_url,omitempty"`
	AuthURL  string `yaml:"auth_url,omitempty"`

	// APIEndpoint overrides the Calendar API base URL.
	APIEndpoint string `yaml:"api_endpoint,omitempty"`

	// TimeZone is the IANA zone sent with every exported event.
	TimeZone string `yaml:"time_zone"`

	// RequestTimeout bounds every call to the calendar API.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SyncConfig tunes the reconciliation engine and its triggers.
type SyncConfig struct {
	// Interval between scheduled passes over all connected users.
	Interval time.Duration `yaml:"interval"`

	// SchedulerDisabled turns off the in-process scheduler, for deployments
	// where an external scheduler calls the scheduled endpoint instead.
	SchedulerDisabled bool `yaml:"scheduler_disabled"`

	// Concurrency bounds how many users a scheduled pass reconciles at once.
	Concurrency int `yaml:"concurrency"`

	// Workers and QueueSize size the post-mutation trigger queue.
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// PastMonths and FutureMonths define the fetch window around now.
	PastMonths   int `yaml:"past_months"`
	FutureMonths int `yaml:"future_months"`
}

// SecurityConfig holds at-rest encryption settings.
type SecurityConfig struct {
	// TokenKey is a hex-encoded 32-byte key. When set, OAuth tokens are
	// sealed before they reach the database.
	TokenKey string `yaml:"token_key"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ./calsync.yaml, or the
// value of CALSYNC_CONFIG when set.
func DefaultPath() string {
	if p := os.Getenv("CALSYNC_CONFIG"); p != "" {
		return p
	}
	return "calsync.yaml"
}

// Load reads the configuration file at path, expands ${VAR} references from
// the environment, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML document.
func Parse(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// TokenKeyBytes decodes Security.TokenKey. It returns nil when unset.
func (c *Config) TokenKeyBytes() ([]byte, error) {
	if c.Security.TokenKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Security.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("security.token_key is not hex: %w", err)
	}
	return key, nil
}

// Location loads the configured Google time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Google.TimeZone)
}

// validate checks required fields and applies defaults.
func (c *Config) validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 2 * time.Minute
	}
	if c.Server.SessionKey == "" {
		return fmt.Errorf("server.session_key is required")
	}
	if len(c.Server.SessionKey) < 32 {
		return fmt.Errorf("server.session_key must be at least 32 bytes")
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateGoogle(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}

	if key, err := c.TokenKeyBytes(); err != nil {
		return err
	} else if key != nil && len(key) != 32 {
		return fmt.Errorf("security.token_key must decode to 32 bytes, got %d", len(key))
	}

	if c.Telemetry != nil && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "":
		c.Database.Driver = DriverSQLite
		fallthrough
	case DriverSQLite:
		if c.Database.Path == "" {
			c.Database.Path = filepath.Join("data", "calsync.db")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q must be %q or %q", c.Database.Driver, DriverSQLite, DriverPostgres)
	}
	return nil
}

func (c *Config) validateGoogle() error {
	g := &c.Google
	if g.TimeZone == "" {
		g.TimeZone = "Europe/Lisbon"
	}
	if _, err := time.LoadLocation(g.TimeZone); err != nil {
		return fmt.Errorf("google.time_zone %q: %w", g.TimeZone, err)
	}
	if g.RequestTimeout == 0 {
		g.RequestTimeout = 30 * time.Second
	}

	if !g.Enabled {
		return nil
	}
	if g.ClientID == "" || g.ClientSecret == "" {
		return fmt.Errorf("google.client_id and google.client_secret are required when google.enabled is true")
	}
	if g.RedirectURL == "" {
		return fmt.Errorf("google.redirect_url is required when google.enabled is true")
	}
	for name, raw := range map[string]string{
		"redirect_url": g.RedirectURL,
		"token_url":    g.TokenURL,
		"auth_url":     g.AuthURL,
		"api_endpoint": g.APIEndpoint,
	} {
		if raw == "" {
			continue
		}
		u, err := url.ParseRequestURI(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("google.%s %q must be a valid http or https URL", name, raw)
		}
	}
	return nil
}

func (c *Config) validateSync() error {
	s := &c.Sync
	if s.Interval == 0 {
		s.Interval = 5 * time.Minute
	}
	if s.Interval < time.Minute {
		return fmt.Errorf("sync.interval %v is too short (minimum 1m)", s.Interval)
	}
	if s.Interval > 24*time.Hour {
		return fmt.Errorf("sync.interval %v is too long (maximum 24h)", s.Interval)
	}
	if s.Concurrency == 0 {
		s.Concurrency = 4
	}
	if s.Workers == 0 {
		s.Workers = 2
	}
	if s.QueueSize == 0 {
		s.QueueSize = 256
	}
	if s.Concurrency < 0 || s.Workers < 0 || s.QueueSize < 0 {
		return fmt.Errorf("sync.concurrency, sync.workers and sync.queue_size must be positive")
	}
	if s.PastMonths == 0 {
		s.PastMonths = 1
	}
	if s.FutureMonths == 0 {
		s.FutureMonths = 3
	}
	if s.PastMonths < 0 || s.FutureMonths < 0 {
		return fmt.Errorf("sync.past_months and sync.future_months must be positive")
	}
	return nil
}
