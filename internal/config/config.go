// Package config handles loading and validating sandboxd configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for sandboxd.
type Config struct {
	ListenAddr  string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`   // Default: 0.0.0.0:8000. Override: SANDBOXD_LISTEN_ADDR.
	ResultsRoot string `json:"results_root,omitempty" yaml:"results_root,omitempty"` // Host directory for published files. Default: ./results.

	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default.
	Auth          AuthConfig           `json:"auth" yaml:"auth"`                                       //
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`                                 //
	Reaper        ReaperConfig         `json:"reaper" yaml:"reaper"`                                   //
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`                           //
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite at ./sandboxd.db.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: ./sandboxd.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default).
}

// Path or default.
func (s *SQLiteStorageConfig) DatabasePath() string {
	if s != nil && s.Path != "" {
		return s.Path
	}
	return "sandboxd.db"
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuthConfig configures session tokens and password policy.
type AuthConfig struct {
	SessionSigningKey string `json:"session_signing_key,omitempty" yaml:"session_signing_key,omitempty"` // HMAC key, hex. Empty = generated at boot. Override: SANDBOXD_SESSION_SIGNING_KEY.
	TokenTTLMinutes   int    `json:"token_ttl_minutes" yaml:"token_ttl_minutes"`                         // Default: 60.
	MinPasswordLength int    `json:"min_password_length" yaml:"min_password_length"`                     // Default: 8.
}

// TokenTTL returns the session token lifetime.
func (a *AuthConfig) TokenTTL() time.Duration {
	if a.TokenTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// MinPassword returns the minimum accepted password length.
func (a *AuthConfig) MinPassword() int {
	if a.MinPasswordLength <= 0 {
		return 8
	}
	return a.MinPasswordLength
}

// SandboxConfig configures per-sandbox containers and execution.
type SandboxConfig struct {
	BaseImage          string  `json:"base_image" yaml:"base_image"`                       // Default: python-sandbox:latest.
	ExecTimeoutSeconds int     `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`   // Wall clock per exec. Default: 30.
	MaxMemoryMB        int     `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Hard memory limit. Default: 1024.
	CPUCores           float64 `json:"cpu_cores" yaml:"cpu_cores"`                         // --cpus rate limit. 0 = 1.0.
	PIDsLimit          int     `json:"pids_limit" yaml:"pids_limit"`                       // Fork bomb protection. 0 = 128.
	DisableNetwork     bool    `json:"disable_network" yaml:"disable_network"`             // true = no network stack; package installs will fail.
	PerUserLimit       int     `json:"per_user_limit" yaml:"per_user_limit"`               // Max sandboxes per user. Default: 10.
	PipIndexURL        string  `json:"pip_index_url,omitempty" yaml:"pip_index_url,omitempty"` // Optional package index mirror.
}

// ExecTimeout returns the per-exec wall-clock timeout.
func (s *SandboxConfig) ExecTimeout() time.Duration {
	if s.ExecTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ExecTimeoutSeconds) * time.Second
}

// Image returns the configured base image or its default.
func (s *SandboxConfig) Image() string {
	if s.BaseImage != "" {
		return s.BaseImage
	}
	return "python-sandbox:latest"
}

// UserLimit returns the per-user sandbox cap.
func (s *SandboxConfig) UserLimit() int {
	if s.PerUserLimit <= 0 {
		return 10
	}
	return s.PerUserLimit
}

// ReaperConfig configures inactivity-based teardown.
type ReaperConfig struct {
	IntervalSeconds            int `json:"interval_seconds" yaml:"interval_seconds"`                         // Default: 300.
	InactivityThresholdSeconds int `json:"inactivity_threshold_seconds" yaml:"inactivity_threshold_seconds"` // Default: 3600.
	FileTTLSeconds             int `json:"file_ttl_seconds" yaml:"file_ttl_seconds"`                         // Default: 3600.
}

// Interval returns the sweep cadence.
func (r *ReaperConfig) Interval() time.Duration {
	if r.IntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.IntervalSeconds) * time.Second
}

// InactivityThreshold returns the idle time before a sandbox is reaped.
func (r *ReaperConfig) InactivityThreshold() time.Duration {
	if r.InactivityThresholdSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(r.InactivityThresholdSeconds) * time.Second
}

// FileTTL returns the published file lifetime.
func (r *ReaperConfig) FileTTL() time.Duration {
	if r.FileTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(r.FileTTLSeconds) * time.Second
}

// RateLimitConfig configures the per-user token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m == nil || m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandboxd".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP collector endpoint.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0 < rate <= 1. Default: 1.
}

// Default returns a Config with every knob at its documented default.
func Default() *Config {
	return &Config{
		ListenAddr:  "0.0.0.0:8000",
		ResultsRoot: "results",
	}
}

// Load reads a YAML config file and applies environment overrides.
// A missing file is not an error — defaults are used so the server can
// boot with nothing but env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Fall through to defaults + env.
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	// Environment variable overrides — env vars take precedence over file values.
	if v := os.Getenv("SANDBOXD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SANDBOXD_RESULTS_ROOT"); v != "" {
		cfg.ResultsRoot = v
	}
	if v := os.Getenv("SANDBOXD_BASE_IMAGE"); v != "" {
		cfg.Sandbox.BaseImage = v
	}
	if v := os.Getenv("SANDBOXD_SESSION_SIGNING_KEY"); v != "" {
		cfg.Auth.SessionSigningKey = v
	}
	if v := os.Getenv("SANDBOXD_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = "postgres"
		cfg.Storage.Postgres = &PostgresStorageConfig{DSN: v}
	}
	if v := os.Getenv("SANDBOXD_DB_PATH"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.SQLite = &SQLiteStorageConfig{Path: v}
	}

	// The signing key must survive config reloads but may be minted fresh
	// on boot when the operator has not pinned one.
	if cfg.Auth.SessionSigningKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating session signing key: %w", err)
		}
		cfg.Auth.SessionSigningKey = hex.EncodeToString(key)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.ResultsRoot == "" {
		return fmt.Errorf("results_root is required")
	}
	if driver := c.Storage.StorageDriver(); driver != "sqlite" && driver != "postgres" {
		return fmt.Errorf("unknown storage driver %q (want sqlite or postgres)", driver)
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	}
	if c.Sandbox.CPUCores < 0 {
		return fmt.Errorf("sandbox cpu_cores must not be negative")
	}
	if strings.ContainsAny(c.Sandbox.Image(), " \t") {
		return fmt.Errorf("base_image %q must not contain whitespace", c.Sandbox.Image())
	}
	return nil
}

// ResolvedResultsRoot returns the results root as an absolute path.
func (c *Config) ResolvedResultsRoot() (string, error) {
	abs, err := filepath.Abs(c.ResultsRoot)
	if err != nil {
		return "", fmt.Errorf("resolving results_root %s: %w", c.ResultsRoot, err)
	}
	return abs, nil
}
