// Package config loads the execution-plane configuration from YAML with
// environment overrides for deploy-time knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Crosswind-Labs/keel/pkg/effort"
	"github.com/Crosswind-Labs/keel/pkg/reliability"
)

// Config is the full stack configuration.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	LogLevel string `yaml:"log_level"`

	Store  StoreConfig  `yaml:"store"`
	Guard  GuardConfig  `yaml:"guard"`
	Tool   ToolConfig   `yaml:"tool"`
	Effort EffortConfig `yaml:"effort"`
	Retry  RetryConfig  `yaml:"retry"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the durable backends.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type StoreConfig struct {
	// Outbox is "memory", "sqlite", "postgres", or "redis".
	Outbox      string `yaml:"outbox"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	// RedisAddr backs the Redis state store and the "redis" outbox.
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

// GuardConfig tunes the policy gate.
type GuardConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// ToolConfig tunes the tool wrapper.
type ToolConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// EffortConfig tunes the advisory evaluator.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type EffortConfig struct {
	Enabled          bool             `yaml:"enabled"`
	Weights          effort.Weights   `yaml:"weights"`
	Baselines        effort.Baselines `yaml:"baselines"`
	ApproveThreshold float64          `yaml:"approve_threshold"`
	RejectThreshold  float64          `yaml:"reject_threshold"`
}

// RetryConfig wraps the reliability retry policy.
type RetryConfig struct {
	Policy reliability.Policy `yaml:",inline"`
}

// TelemetryConfig selects the telemetry exporter.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TelemetryConfig struct {
	// Exporter is "none", "memory", or "otel".
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Store:    StoreConfig{Outbox: "memory"},
		Guard:    GuardConfig{TokenTTL: time.Hour},
		Tool:     ToolConfig{DefaultTimeout: 30 * time.Second, MaxAttempts: 3},
		Effort: EffortConfig{
			Enabled:          true,
			Weights:          effort.DefaultWeights(),
			ApproveThreshold: effort.DefaultApproveThreshold,
			RejectThreshold:  effort.DefaultRejectThreshold,
		},
		Retry: RetryConfig{Policy: reliability.StandardPolicy()},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "keel",
		},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers deploy-time environment variables over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("KEEL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KEEL_OUTBOX"); v != "" {
		c.Store.Outbox = v
	}
	if v := os.Getenv("KEEL_POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("KEEL_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("KEEL_REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("KEEL_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Exporter = "otel"
		c.Telemetry.OTLPEndpoint = v
	}
}

// validate rejects configurations that would fail at first use.
func (c *Config) validate() error {
	switch c.Store.Outbox {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: sqlite outbox requires sqlite_path")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: postgres outbox requires postgres_dsn")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config: redis outbox requires redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown outbox backend %q", c.Store.Outbox)
	}

	switch c.Telemetry.Exporter {
	case "", "none", "memory":
	case "otel":
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("config: otel exporter requires otlp_endpoint")
		}
	default:
		return fmt.Errorf("config: unknown telemetry exporter %q", c.Telemetry.Exporter)
	}

	if c.Tool.MaxAttempts < 1 {
		return fmt.Errorf("config: tool max_attempts must be at least 1")
	}
	if c.Effort.Enabled && c.Effort.RejectThreshold > c.Effort.ApproveThreshold {
		return fmt.Errorf("config: effort reject threshold above approve threshold")
	}
	return nil
}
