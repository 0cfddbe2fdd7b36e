// Package config loads daemon configuration from an optional YAML file with
// environment variable overrides. Environment wins over file, file wins over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bidlock/bidlock/pkg/detect"
	"github.com/bidlock/bidlock/pkg/escalation"
	"github.com/bidlock/bidlock/pkg/spend"
)

// Config holds daemon configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Bus       BusConfig       `yaml:"bus"`
	Audit     AuditConfig     `yaml:"audit"`
	Detector  detect.Config   `yaml:"detector"`
	Policy    PolicyConfig    `yaml:"escalation"`
	Spend     spend.Limits    `yaml:"spend"`
	Release   ReleaseConfig   `yaml:"release"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BusConfig selects and tunes the event transport.
type BusConfig struct {
	// Driver is "memory" or "redis".
	Driver            string `yaml:"driver"`
	RedisAddr         string `yaml:"redis_addr"`
	MaxPayloadBytes   int    `yaml:"max_payload_bytes"`
	AckTimeoutSeconds int    `yaml:"ack_timeout_seconds"`
	MaxAttempts       int    `yaml:"max_attempts"`
}

// AckTimeout is the redelivery deadline as a duration.
func (b BusConfig) AckTimeout() time.Duration {
	return time.Duration(b.AckTimeoutSeconds) * time.Second
}

// AuditConfig selects the audit store backend and the optional cold archive.
type AuditConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	// S3 archive; disabled when Bucket is empty.
	ArchiveBucket   string `yaml:"archive_bucket"`
	ArchivePrefix   string `yaml:"archive_prefix"`
	ArchiveEndpoint string `yaml:"archive_endpoint"`
}

// PolicyConfig is the escalation transition policy plus the store driver.
type PolicyConfig struct {
	Driver      string            `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DatabaseURL string            `yaml:"database_url"`
	Policy      escalation.Policy `yaml:"policy"`
}

// ReleaseConfig configures the release controller and its grant store.
type ReleaseConfig struct {
	Driver          string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DatabaseURL     string `yaml:"database_url"`
	TokenSecret     string `yaml:"token_secret"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
}

// TokenTTL is the resolution token lifetime as a duration.
func (r ReleaseConfig) TokenTTL() time.Duration {
	return time.Duration(r.TokenTTLMinutes) * time.Minute
}

// TelemetryConfig configures the OTLP exporters; disabled when Endpoint is
// empty.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration a bare process starts with.
func Default() Config {
	return Config{
		LogLevel: "info",
		Bus: BusConfig{
			Driver:    "memory",
			RedisAddr: "localhost:6379",
		},
		Audit: AuditConfig{
			Driver:        "memory",
			ArchivePrefix: "audit/",
		},
		Detector: detect.Defaults(),
		Policy: PolicyConfig{
			Driver: "memory",
			Policy: escalation.DefaultPolicy(),
		},
		Spend: spend.DefaultLimits(),
		Release: ReleaseConfig{
			Driver:          "memory",
			TokenTTLMinutes: 15,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "bidlockd",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Bus.RedisAddr = v
	}
	if v := os.Getenv("AUDIT_DRIVER"); v != "" {
		cfg.Audit.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Audit.DatabaseURL = v
		cfg.Policy.DatabaseURL = v
		cfg.Release.DatabaseURL = v
	}
	if v := os.Getenv("RELEASE_DRIVER"); v != "" {
		cfg.Release.Driver = v
	}
	if v := os.Getenv("AUDIT_ARCHIVE_BUCKET"); v != "" {
		cfg.Audit.ArchiveBucket = v
	}
	if v := os.Getenv("RELEASE_TOKEN_SECRET"); v != "" {
		cfg.Release.TokenSecret = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("DAILY_LIMIT_CENTS"); v != "" {
		if cents, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Spend.DailyCents = cents
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Bus.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown bus driver %q", c.Bus.Driver)
	}
	if c.Bus.Driver == "redis" && c.Bus.RedisAddr == "" {
		return fmt.Errorf("config: redis bus requires redis_addr")
	}

	switch c.Audit.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown audit driver %q", c.Audit.Driver)
	}
	if c.Audit.Driver != "memory" && c.Audit.DatabaseURL == "" {
		return fmt.Errorf("config: audit driver %q requires database_url", c.Audit.Driver)
	}

	switch c.Policy.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown escalation driver %q", c.Policy.Driver)
	}
	if c.Policy.Driver != "memory" && c.Policy.DatabaseURL == "" {
		return fmt.Errorf("config: escalation driver %q requires database_url", c.Policy.Driver)
	}

	switch c.Release.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown release driver %q", c.Release.Driver)
	}
	if c.Release.Driver != "memory" && c.Release.DatabaseURL == "" {
		return fmt.Errorf("config: release driver %q requires database_url", c.Release.Driver)
	}

	if c.Release.TokenSecret == "" {
		return fmt.Errorf("config: release token_secret is required")
	}
	return nil
}
