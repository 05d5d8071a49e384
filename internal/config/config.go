// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Identity modes.
const (
	IdentityJWKS   = "jwks"
	IdentityHMAC   = "hmac"
	IdentityHeader = "header"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Agent modes.
const (
	AgentsDevelopment = "development"
	AgentsHTTP        = "http"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Store         StoreConfig         `yaml:"store"`
	Snapshots     SnapshotsConfig     `yaml:"snapshots"`
	Automation    AutomationConfig    `yaml:"automation"`
	Agents        AgentsConfig        `yaml:"agents"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	AdminRoles    []string            `yaml:"admin_roles"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how callers are authenticated.
type IdentityConfig struct {
	Mode         string            `yaml:"mode"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	SecretEnv    string            `yaml:"secret_env"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// TemplatesConfig describes where workflow templates come from.
type TemplatesConfig struct {
	Builtin     bool     `yaml:"builtin"`
	Directories []string `yaml:"directories"`
}

// StoreConfig describes workflow state persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// SnapshotsConfig describes the claim snapshot provider.
type SnapshotsConfig struct {
	Driver string `yaml:"driver"`
	// SeedFile is a YAML map of claim id to snapshot loaded into the memory
	// provider at startup.
	SeedFile string `yaml:"seed_file"`
}

// AutomationConfig describes agent dispatch policy.
type AutomationConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	ChainLimit     int                  `yaml:"chain_limit"`
	// DispatchLease is how long an in-flight agent call holds its step
	// before another caller may dispatch it again.
	DispatchLease  time.Duration        `yaml:"dispatch_lease"`
}

// RetryConfig describes retry settings for agent invocations.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// CircuitBreakerConfig describes circuit breaker settings per agent.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// AgentsConfig selects the agent implementations.
type AgentsConfig struct {
	Mode      string                 `yaml:"mode"`
	Timeout   time.Duration          `yaml:"timeout"`
	Endpoints map[string]AgentConfig `yaml:"endpoints"`
}

// AgentConfig describes one remote agent.
type AgentConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	TokenEnv string        `yaml:"token_env"`
	// OutputSchema is a JSON Schema (OpenAPI 3 dialect) the agent's result
	// data must satisfy.
	OutputSchema map[string]any `yaml:"output_schema"`
}

// EscalationConfig describes who receives escalated instances.
type EscalationConfig struct {
	Roles    []string `yaml:"roles"`
	Assignee string   `yaml:"assignee"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// EventsConfig describes state-changed event sinks.
type EventsConfig struct {
	Log       bool            `yaml:"log"`
	Redis     RedisSinkConfig `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// RedisSinkConfig describes the Redis pub/sub sink.
type RedisSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

// WebSocketConfig describes the live event stream.
type WebSocketConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	SendBuffer     int      `yaml:"send_buffer"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Mode:         IdentityJWKS,
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			SecretEnv:    "RCMFLOW_JWT_SECRET",
			ClaimPaths: map[string]string{
				"actor_id":     "sub",
				"role":         "role",
				"roles":        "roles",
				"display_name": "name",
			},
		},
		Templates: TemplatesConfig{
			Builtin: true,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "RCMFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Snapshots: SnapshotsConfig{
			Driver: DriverMemory,
		},
		Automation: AutomationConfig{
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			ChainLimit:    25,
			DispatchLease: 10 * time.Minute,
		},
		Agents: AgentsConfig{
			Mode:    AgentsDevelopment,
			Timeout: 30 * time.Second,
		},
		Escalation: EscalationConfig{
			Roles:    []string{"billing_manager", "admin"},
			Assignee: "role:billing_manager",
		},
		AdminRoles: []string{"admin"},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  DriverMemory,
			AddrEnv: "RCMFLOW_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Events: EventsConfig{
			Log: true,
			Redis: RedisSinkConfig{
				AddrEnv: "RCMFLOW_REDIS_ADDR",
				Channel: "rcmflow.workflow.state_changed",
			},
			WebSocket: WebSocketConfig{
				Enabled:    true,
				SendBuffer: 64,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Identity.Mode {
	case IdentityJWKS:
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required for jwks mode")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required for jwks mode")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required for jwks mode")
		}
	case IdentityHMAC:
		if c.Identity.SecretEnv == "" {
			errs = append(errs, "identity.secret_env is required for hmac mode")
		}
	case IdentityHeader:
	default:
		errs = append(errs, fmt.Sprintf("identity.mode %q must be one of jwks, hmac, header", c.Identity.Mode))
	}

	if !c.Templates.Builtin && len(c.Templates.Directories) == 0 {
		errs = append(errs, "templates: enable builtin or list at least one directory")
	}

	if !slices.Contains([]string{DriverMemory, DriverPostgres}, c.Store.Driver) {
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	if !slices.Contains([]string{DriverMemory, DriverPostgres}, c.Snapshots.Driver) {
		errs = append(errs, fmt.Sprintf("snapshots.driver %q must be memory or postgres", c.Snapshots.Driver))
	}
	if (c.Store.Driver == DriverPostgres || c.Snapshots.Driver == DriverPostgres) && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for postgres")
	}

	r := c.Automation.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, "automation.retry.max_attempts must be at least 1")
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
		errs = append(errs, "automation.retry.backoff_multiplier must be at least 1")
	}
	if c.Automation.ChainLimit < 1 {
		errs = append(errs, "automation.chain_limit must be at least 1")
	}
	if c.Automation.DispatchLease < 0 {
		errs = append(errs, "automation.dispatch_lease must not be negative")
	}

	switch c.Agents.Mode {
	case AgentsDevelopment:
	case AgentsHTTP:
		for name, a := range c.Agents.Endpoints {
			if a.URL == "" {
				errs = append(errs, fmt.Sprintf("agents.endpoints.%s.url is required", name))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("agents.mode %q must be development or http", c.Agents.Mode))
	}

	if c.Escalation.Assignee == "" {
		errs = append(errs, "escalation.assignee is required")
	}
	if len(c.Escalation.Roles) == 0 {
		errs = append(errs, "escalation.roles must list at least one role")
	}

	if c.Idempotency.Enabled && !slices.Contains([]string{DriverMemory, DriverRedis}, c.Idempotency.Driver) {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Channel == "" {
		errs = append(errs, "events.redis.channel is required")
	}

	if f := c.Observability.LogFormat; f != "json" && f != "console" {
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", f))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads RCMFLOW_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RCMFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RCMFLOW_IDENTITY_MODE"); v != "" {
		cfg.Identity.Mode = v
	}
	if v := os.Getenv("RCMFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("RCMFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("RCMFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("RCMFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RCMFLOW_AGENTS_MODE"); v != "" {
		cfg.Agents.Mode = v
	}
	if v := os.Getenv("RCMFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("RCMFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
