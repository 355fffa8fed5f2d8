// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Counter reset policies for request_count (see Counters.Reset).
const (
	ResetOnClear = "on_clear"
	ResetDaily   = "daily"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Session   SessionConfig   `yaml:"session"`
	Writer    WriterConfig    `yaml:"writer"`
	Tee       TeeConfig       `yaml:"tee"`
	Counters  CountersConfig  `yaml:"counters"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logs      LogsConfig      `yaml:"logs"`
	Accounts  []AccountEntry  `yaml:"accounts"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token"` // empty = admin API open
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// UpstreamConfig holds upstream API settings.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIVersion     string        `yaml:"api_version"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"` // non-streaming only
}

// OAuthConfig holds token refresh settings.
type OAuthConfig struct {
	ClientID       string        `yaml:"client_id"`
	TokenURL       string        `yaml:"token_url"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	Skew           time.Duration `yaml:"skew"` // refresh this long before expiry
}

// SessionConfig controls account stickiness.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// WriterConfig controls the async persistence queue.
type WriterConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	QueueSize     int           `yaml:"queue_size"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// TeeConfig controls the streaming accounting buffer.
type TeeConfig struct {
	Buffer          int    `yaml:"buffer"`           // bytes retained for accounting
	Retain          string `yaml:"retain"`           // "head" or "tail"
	CapturePayloads bool   `yaml:"capture_payloads"` // persist captured bytes per request
}

// CountersConfig controls account usage counter semantics.
type CountersConfig struct {
	Reset string `yaml:"reset"` // "on_clear" or "daily"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// LogsConfig controls the in-memory log ring served over SSE.
type LogsConfig struct {
	RingSize int    `yaml:"ring_size"`
	Level    string `yaml:"level"` // "debug", "info", "warn", "error"
}

// AccountEntry is an api_key account seed in the config file.
// OAuth accounts come in through the provisioning endpoints, never the file.
type AccountEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	Tier    int    `yaml:"tier"`
	BaseURL string `yaml:"base_url"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses have no write deadline
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "palantir.db",
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.anthropic.com",
			APIVersion:     "2023-06-01",
			ConnectTimeout: 10 * time.Second,
			TotalTimeout:   120 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		OAuth: OAuthConfig{
			TokenURL:       "https://console.anthropic.com/v1/oauth/token",
			RefreshTimeout: 30 * time.Second,
			Skew:           60 * time.Second,
		},
		Session: SessionConfig{
			TTL: 5 * time.Hour,
		},
		Writer: WriterConfig{
			FlushInterval: 100 * time.Millisecond,
			BatchSize:     64,
			QueueSize:     1024,
			ShutdownGrace: 5 * time.Second,
		},
		Tee: TeeConfig{
			Buffer: 256 * 1024,
			Retain: "head",
		},
		Counters: CountersConfig{
			Reset: ResetOnClear,
		},
		Logs: LogsConfig{
			RingSize: 1000,
			Level:    "info",
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
// A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must not be empty")
	}
	if c.Writer.BatchSize <= 0 {
		return fmt.Errorf("writer.batch_size must be positive")
	}
	if c.Tee.Retain != "head" && c.Tee.Retain != "tail" {
		return fmt.Errorf("tee.retain must be %q or %q", "head", "tail")
	}
	if c.Counters.Reset != ResetOnClear && c.Counters.Reset != ResetDaily {
		return fmt.Errorf("counters.reset must be %q or %q", ResetOnClear, ResetDaily)
	}
	for _, a := range c.Accounts {
		if a.Name == "" || a.APIKey == "" {
			return fmt.Errorf("account seeds require name and api_key")
		}
	}
	return nil
}
