// Package config provides configuration management for BastionGuard.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all BastionGuard configuration. It is loaded once at startup
// and passed explicitly; nothing re-reads the environment afterwards.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Webhook   WebhookConfig             `yaml:"webhook"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Redis     RedisConfig               `yaml:"redis"`
	Postgres  PostgresConfig            `yaml:"postgres"`
	Cloud     CloudConfig               `yaml:"cloud"`
	Engine    EngineConfig              `yaml:"engine"`
	Actions   map[string]ActionSettings `yaml:"actions"`
	Roles     []RoleRule                `yaml:"roles"`
	Reporting ReportingConfig           `yaml:"reporting"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebhookConfig holds inbound notification settings.
type WebhookConfig struct {
	Path            string `yaml:"path"`
	TokenEnv        string `yaml:"token_env"`
	AllowQueryToken bool   `yaml:"allow_query_token"` // Azure action groups cannot set headers
	MaxBodySize     int64  `yaml:"max_body_size"`

	// InvocationTimeout bounds an invocation once its body is read. It runs
	// detached from the request so a caller hanging up does not cancel it.
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
}

// RateLimitConfig holds webhook rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// PostgresConfig holds the outcome store connection.
type PostgresConfig struct {
	DSNEnv       string `yaml:"dsn_env"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// CloudConfig selects and tunes the provisioning backend.
type CloudConfig struct {
	Provider          string        `yaml:"provider"` // azure, memory
	SubscriptionID    string        `yaml:"subscription_id"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

// EngineConfig holds global execution toggles.
type EngineConfig struct {
	DryRun        bool          `yaml:"dry_run"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

// ActionSettings holds per-action toggles and free-form parameters.
type ActionSettings struct {
	Enabled    *bool          `yaml:"enabled"`
	Timeout    time.Duration  `yaml:"timeout"`
	Parameters map[string]any `yaml:"parameters"`
}

// IsEnabled defaults to true when the flag is omitted.
func (a ActionSettings) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// RoleRule is the configured response to changes of one role definition.
type RoleRule struct {
	RoleID                 string   `yaml:"role_id"`
	DisplayName            string   `yaml:"display_name"`
	SupportedResourceTypes []string `yaml:"supported_resource_types"`
	ActionsOnGrant         []string `yaml:"actions_on_grant"`
	ActionsOnRevoke        []string `yaml:"actions_on_revoke"`
}

// ReportingConfig selects outcome sinks.
type ReportingConfig struct {
	RedisStream   RedisStreamConfig   `yaml:"redis_stream"`
	PostgresStore PostgresStoreConfig `yaml:"postgres_store"`
}

// RedisStreamConfig publishes summaries to a Redis stream.
type RedisStreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`
}

// PostgresStoreConfig persists outcomes in batches.
type PostgresStoreConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Table         string        `yaml:"table"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	MetricsPath    string  `yaml:"metrics_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Webhook: WebhookConfig{
			Path:              "/api/v1/events/role-assignments",
			TokenEnv:          "BASTIONGUARD_WEBHOOK_TOKEN",
			MaxBodySize:       1024 * 1024,
			InvocationTimeout: time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			IncludeHeaders:    true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		Postgres: PostgresConfig{
			DSNEnv:       "BASTIONGUARD_POSTGRES_DSN",
			MaxOpenConns: 5,
		},
		Cloud: CloudConfig{
			Provider:          "azure",
			RequestsPerSecond: 5,
			Burst:             10,
			BreakerFailures:   5,
			BreakerTimeout:    30 * time.Second,
		},
		Engine: EngineConfig{
			DryRun:        false,
			ActionTimeout: 45 * time.Second,
		},
		Actions: map[string]ActionSettings{},
		Reporting: ReportingConfig{
			RedisStream: RedisStreamConfig{
				Stream: "bastionguard:outcomes",
				MaxLen: 10000,
			},
			PostgresStore: PostgresStoreConfig{
				Table:         "action_outcomes",
				BufferSize:    1000,
				BatchSize:     100,
				FlushInterval: time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "bastionguard",
			Environment:    "dev",
			SamplingRate:   1.0,
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks service settings. Role rules are validated separately by
// the registry, which also knows the registered handlers.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Engine.ActionTimeout <= 0 {
		errs = append(errs, errors.New("engine.action_timeout must be positive"))
	}
	switch c.Cloud.Provider {
	case "azure":
		if c.Cloud.SubscriptionID == "" {
			errs = append(errs, errors.New("cloud.subscription_id is required for the azure provider"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("cloud.provider %q is not supported", c.Cloud.Provider))
	}
	for name, a := range c.Actions {
		if a.Timeout < 0 {
			errs = append(errs, fmt.Errorf("actions.%s.timeout must not be negative", name))
		}
	}
	if c.Webhook.InvocationTimeout < 0 {
		errs = append(errs, errors.New("webhook.invocation_timeout must not be negative"))
	}
	if c.Reporting.PostgresStore.Enabled && c.Reporting.PostgresStore.BatchSize <= 0 {
		errs = append(errs, errors.New("reporting.postgres_store.batch_size must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Registry returns the subset of configuration the role-action registry needs.
func (c *Config) Registry() RegistryConfig {
	return RegistryConfig{Roles: c.Roles, Actions: c.Actions}
}

// RegistryConfig is the role-action mapping document.
type RegistryConfig struct {
	Roles   []RoleRule
	Actions map[string]ActionSettings
}

// EnabledSinks returns the names of optional outcome sinks that are switched on.
func (c *Config) EnabledSinks() []string {
	var sinks []string
	if c.Reporting.RedisStream.Enabled {
		sinks = append(sinks, "redis_stream")
	}
	if c.Reporting.PostgresStore.Enabled {
		sinks = append(sinks, "postgres_store")
	}
	return sinks
}
