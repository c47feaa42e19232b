// Package config handles loading and validating signoff configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for signoff.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.signoff/data. Override: SIGNOFF_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data_dir)
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = decided approvals kept forever
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = only env:// references resolve
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/signoff.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
// DSN can be overridden by the SIGNOFF_DB_DSN env var.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ApprovalConfig configures the approval registry.
type ApprovalConfig struct {
	StoreTimeoutMS int `json:"store_timeout_ms" yaml:"store_timeout_ms"` // Bound on each store call. 0 = 5000ms, -1 = unbounded.
}

// StoreTimeout returns the per-call store bound. Zero means unbounded.
func (a ApprovalConfig) StoreTimeout() time.Duration {
	switch {
	case a.StoreTimeoutMS > 0:
		return time.Duration(a.StoreTimeoutMS) * time.Millisecond
	case a.StoreTimeoutMS < 0:
		return 0
	}
	return 5 * time.Second
}

// GatewayConfig holds the approver-facing surfaces.
type GatewayConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"` // nil = HTTP gateway on defaults.
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → approver identity. Extended by SIGNOFF_API_KEYS.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user rate limiting of decisions.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "signoff"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness checks.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures threshold-based detection of store failure spikes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// RetentionConfig configures the sweep of old decided approvals from the durable store.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"`           // Cron expression. Default: "0 3 * * *".
	MaxAgeH  int    `json:"max_age_hours" yaml:"max_age_hours"` // Decided approvals older than this are deleted. Default: 720 (30 days).
}

// CronSchedule returns the sweep schedule with a default of daily at 03:00.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// MaxAge returns the retention age with a default of 30 days.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r != nil && r.MaxAgeH > 0 {
		return time.Duration(r.MaxAgeH) * time.Hour
	}
	return 30 * 24 * time.Hour
}

// SecretsConfig configures resolution of credential references such as
// "env://NAME" or "vault://secret/data/signoff#dsn" in the postgres DSN and API keys.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault KV v2 provider.
// VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE override the file values.
type VaultConfig struct {
	Address       string `json:"address" yaml:"address"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace     string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutS      int    `json:"timeout_s" yaml:"timeout_s"` // Default: 5
	TLSSkipVerify bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// Timeout returns the Vault HTTP timeout with a default of 5s.
func (v *VaultConfig) Timeout() time.Duration {
	if v != nil && v.TimeoutS > 0 {
		return time.Duration(v.TimeoutS) * time.Second
	}
	return 5 * time.Second
}

// DefaultConfigPath returns the default config file path (~/.signoff/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/signoff.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".signoff", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file exists:
// SQLite under the data directory and an HTTP gateway on :8080.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	c.applyEnv()

	// Resolve DataDir default.
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".signoff", "data")
		}
	}

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if envDD := os.Getenv("SIGNOFF_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}

	if dsn := os.Getenv("SIGNOFF_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	// SIGNOFF_API_KEYS is a comma-separated list of key=user pairs.
	if keys := os.Getenv("SIGNOFF_API_KEYS"); keys != "" {
		if c.Gateway.HTTP == nil {
			c.Gateway.HTTP = &HTTPGatewayConfig{}
		}
		if c.Gateway.HTTP.APIKeyUserMapping == nil {
			c.Gateway.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		for pair := range strings.SplitSeq(keys, ",") {
			key, user, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || key == "" || user == "" {
				continue
			}
			c.Gateway.HTTP.APIKeyUserMapping[key] = user
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".signoff", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path, defaulting to the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "signoff.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "memory", "sqlite":
		// valid
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set SIGNOFF_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use memory, sqlite or postgres)", c.Storage.Driver)
	}
	if c.Approval.StoreTimeoutMS < -1 {
		return fmt.Errorf("approval.store_timeout_ms must be -1, 0 or positive")
	}
	if h := c.Gateway.HTTP; h != nil {
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateway.http.rate_limit values must not be negative")
		}
		if h.MaxRequestSizeBytes < 0 {
			return fmt.Errorf("gateway.http.max_request_size_bytes must not be negative")
		}
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	if o := c.Observability; o != nil && o.Anomaly != nil && o.Anomaly.Enabled {
		if o.Anomaly.ErrorRateThreshold < 0 || o.Anomaly.ErrorRateThreshold > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	if r := c.Retention; r != nil && r.Enabled {
		if r.MaxAgeH < 0 {
			return fmt.Errorf("retention.max_age_hours must not be negative")
		}
		if _, err := cron.ParseStandard(r.CronSchedule()); err != nil {
			return fmt.Errorf("retention.schedule %q: %w", r.Schedule, err)
		}
		if c.StorageDriverName() == "memory" {
			return fmt.Errorf("retention requires a durable storage driver")
		}
	}
	if s := c.Secrets; s != nil && s.Vault != nil && s.Vault.TimeoutS < 0 {
		return fmt.Errorf("secrets.vault.timeout_s must not be negative")
	}
	return nil
}
