// Package config provides configuration loading for the coverage audit.
//
// Configuration is loaded from a single file specified by:
//   - the COVERAGE_AUDIT_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// YAML is the primary format. Files ending in .json or .jsonc are read
// as JSON with comments and trailing commas allowed. Without a file the
// defaults apply; a few environment variables override storage and
// logging either way.
//
// The operator-facing Settings (the settings panel) are also persisted
// in the shared store under enhancerSettings; see LoadSettings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfigPath = "COVERAGE_AUDIT_CONFIG"
	EnvDatabase   = "COVERAGE_AUDIT_DB"
	EnvDriver     = "COVERAGE_AUDIT_DRIVER"
	EnvLogLevel   = "COVERAGE_AUDIT_LOG_LEVEL"
)

// Config is the master configuration.
type Config struct {
	// Settings are the operator-facing analysis options.
	Settings Settings `yaml:"settings" json:"settings"`

	// Server configures the HTTP bridge.
	Server ServerConfig `yaml:"server" json:"server"`

	// Storage selects the shared key-value backend.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Ticket configures where drafted tickets are filed.
	Ticket TicketConfig `yaml:"ticket" json:"ticket"`

	Log LogConfig `yaml:"log" json:"log"`
}

// ServerConfig configures the HTTP bridge.
type ServerConfig struct {
	// Addr is the listen address.
	// Default: :8080
	Addr string `yaml:"addr" json:"addr"`

	// AllowedOrigins lists the CORS origins allowed to call the API,
	// typically the report host the in-page buttons run on.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout string `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// InboxDir is scanned for report documents to analyze when
	// settings.autoAnalysis is on. Empty disables the scan.
	InboxDir string `yaml:"inbox_dir" json:"inbox_dir"`

	// InboxInterval is how often InboxDir is scanned.
	// Default: 1m
	InboxInterval string `yaml:"inbox_interval" json:"inbox_interval"`
}

// StorageConfig selects the shared key-value backend.
type StorageConfig struct {
	// Driver is one of: sqlite, postgres, mysql, file, memory.
	// Default: sqlite
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the database path or connection string. For the file
	// driver it is the JSON file path.
	// Default: coverage-audit.db
	DSN string `yaml:"dsn" json:"dsn"`

	// WatchInterval is how often SQL backends poll for writes made by
	// other processes.
	// Default: 1s
	WatchInterval string `yaml:"watch_interval" json:"watch_interval"`
}

// TicketConfig configures ticket submission.
type TicketConfig struct {
	// FormURL is opened after a submission is staged.
	FormURL string `yaml:"form_url" json:"form_url"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level" json:"level"`

	// Format is text or json.
	// Default: text
	Format string `yaml:"format" json:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Settings: DefaultSettings(),
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"https://marketplace.atlassian.com", "http://localhost:8080"},
			ShutdownTimeout: "30s",
			InboxInterval:   "1m",
		},
		Storage: StorageConfig{
			Driver:        "sqlite",
			DSN:           "coverage-audit.db",
			WatchInterval: "1s",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the config file at path over the defaults. An empty path
// falls back to COVERAGE_AUDIT_CONFIG; if that is empty too, only the
// defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.decode(path, data); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), c)
	default:
		return yaml.Unmarshal(data, c)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(EnvDriver); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx", "mysql", "mariadb", "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.DSN == "" && !strings.EqualFold(c.Storage.Driver, "memory") {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if _, err := parseDuration("storage.watch_interval", c.Storage.WatchInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("server.shutdown_timeout", c.Server.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("server.inbox_interval", c.Server.InboxInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// WatchInterval returns the parsed storage watch interval.
func (c *Config) WatchInterval() time.Duration {
	d, _ := parseDuration("", c.Storage.WatchInterval)
	if d <= 0 {
		return time.Second
	}
	return d
}

// ShutdownTimeout returns the parsed shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := parseDuration("", c.Server.ShutdownTimeout)
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// InboxInterval returns the parsed inbox scan interval.
func (c *Config) InboxInterval() time.Duration {
	d, _ := parseDuration("", c.Server.InboxInterval)
	if d <= 0 {
		return time.Minute
	}
	return d
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// =============================================================================
// LOGGING
// =============================================================================

// NewLogger builds the slog logger described by l, writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
