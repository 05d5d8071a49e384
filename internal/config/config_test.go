package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 60s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "rcmflow" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Store.Driver != DriverPostgres {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Automation.Retry.MaxAttempts != 4 {
		t.Errorf("Retry.MaxAttempts = %d, want 4", cfg.Automation.Retry.MaxAttempts)
	}
	if cfg.Automation.Retry.BackoffMax != 5*time.Second {
		t.Errorf("Retry.BackoffMax = %v, want default 5s", cfg.Automation.Retry.BackoffMax)
	}
	if cfg.Automation.ChainLimit != 10 {
		t.Errorf("ChainLimit = %d, want 10", cfg.Automation.ChainLimit)
	}
	if cfg.Automation.DispatchLease != 2*time.Minute {
		t.Errorf("DispatchLease = %v, want 2m", cfg.Automation.DispatchLease)
	}

	agent, ok := cfg.Agents.Endpoints["coding-agent"]
	if !ok {
		t.Fatal("Agents.Endpoints[coding-agent] not found")
	}
	if agent.URL != "https://agents.internal/coding" {
		t.Errorf("coding-agent.URL = %q", agent.URL)
	}
	if agent.Timeout != 10*time.Second {
		t.Errorf("coding-agent.Timeout = %v, want 10s", agent.Timeout)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_collectsAllErrors(t *testing.T) {
	_, err := Load("testdata/bad_identity.yaml")
	if err == nil {
		t.Fatal("Load() with incomplete identity should return error")
	}
	for _, want := range []string{"identity.issuer", "identity.jwks_url", "agents.endpoints.coding-agent.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_emptyPath(t *testing.T) {
	t.Setenv("RCMFLOW_IDENTITY_MODE", IdentityHeader)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Identity.Mode != IdentityHeader {
		t.Errorf("Identity.Mode = %q", cfg.Identity.Mode)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Automation.ChainLimit != 25 {
		t.Errorf("default ChainLimit = %d, want 25", cfg.Automation.ChainLimit)
	}
	if cfg.Automation.DispatchLease != 10*time.Minute {
		t.Errorf("default DispatchLease = %v, want 10m", cfg.Automation.DispatchLease)
	}
	if cfg.Automation.Retry.BackoffInitial != 200*time.Millisecond {
		t.Errorf("default BackoffInitial = %v, want 200ms", cfg.Automation.Retry.BackoffInitial)
	}
	if cfg.Agents.Mode != AgentsDevelopment {
		t.Errorf("default Agents.Mode = %q", cfg.Agents.Mode)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RCMFLOW_SERVER_PORT", "3000")
	t.Setenv("RCMFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("RCMFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("RCMFLOW_STORE_DRIVER", DriverMemory)
	t.Setenv("RCMFLOW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Store.Driver = %q, want env override", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"identity mode", func(c *Config) { c.Identity.Mode = "basic" }, "identity.mode"},
		{"no templates", func(c *Config) { c.Templates.Builtin = false }, "templates"},
		{"store driver", func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
		{"attempts", func(c *Config) { c.Automation.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"chain limit", func(c *Config) { c.Automation.ChainLimit = 0 }, "chain_limit"},
		{"dispatch lease", func(c *Config) { c.Automation.DispatchLease = -time.Second }, "dispatch_lease"},
		{"agents mode", func(c *Config) { c.Agents.Mode = "grpc" }, "agents.mode"},
		{"assignee", func(c *Config) { c.Escalation.Assignee = "" }, "escalation.assignee"},
		{"idempotency driver", func(c *Config) { c.Idempotency.Driver = "etcd" }, "idempotency.driver"},
		{"log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Identity.Mode = IdentityHeader
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should return error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestLoad_env_priority_over_file(t *testing.T) {
	// File sets port 9090, env sets 5555; env wins.
	t.Setenv("RCMFLOW_SERVER_PORT", "5555")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("Server.Port = %d, want 5555 (env override beats file)", cfg.Server.Port)
	}
}
