// Package config loads engine configuration from config.yaml with
// environment variable overrides. Secrets come from the environment only and
// are resolved once at process start.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the analytics query engine.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8090"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"`

	Model   ModelConfig   `yaml:"model"`
	Query   QueryConfig   `yaml:"query"`
	Pool    PoolConfig    `yaml:"pool"`
	Schema  SchemaConfig  `yaml:"schema"`
	Session SessionConfig `yaml:"session"`
	History HistoryConfig `yaml:"history"`

	// CredentialsKey encrypts data-source passwords at rest. 32 bytes,
	// base64 encoded (openssl rand -base64 32). Required.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"`
}

// Model providers supported by the translator.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ModelConfig identifies the external language model used by the translator.
type ModelConfig struct {
	// Provider selects the client implementation: "openai" (any
	// OpenAI-compatible endpoint) or "anthropic".
	Provider    string  `yaml:"provider" env:"MODEL_PROVIDER" env-default:"openai"`
	Endpoint    string  `yaml:"endpoint" env:"MODEL_ENDPOINT" env-default:"https://api.openai.com/v1"`
	Name        string  `yaml:"name" env:"MODEL_NAME" env-default:"gpt-4o-mini"`
	APIKey      string  `yaml:"-" env:"MODEL_API_KEY"`
	Temperature float64 `yaml:"temperature" env:"MODEL_TEMPERATURE" env-default:"0.1"`
	MaxRetries  int     `yaml:"max_retries" env:"MODEL_MAX_RETRIES" env-default:"3"`
	// TimeoutSeconds bounds a single model invocation.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"MODEL_TIMEOUT_SECONDS" env-default:"60"`
}

// QueryConfig bounds statement execution.
type QueryConfig struct {
	// MaxRows is the hard cap applied to every statement, structured or raw.
	MaxRows int `yaml:"max_rows" env:"QUERY_MAX_ROWS" env-default:"1000"`
	// TimeoutSeconds is the per-statement execution budget.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"QUERY_TIMEOUT_SECONDS" env-default:"30"`
}

// PoolConfig sizes per-datasource connection pools.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" env:"POOL_MAX_CONNS" env-default:"10"`
	MinConns int32 `yaml:"min_conns" env:"POOL_MIN_CONNS" env-default:"1"`
	// LeaseWaitSeconds bounds how long a request waits for a free
	// connection before failing with pool_exhausted.
	LeaseWaitSeconds int `yaml:"lease_wait_seconds" env:"POOL_LEASE_WAIT_SECONDS" env-default:"5"`
	// IdleTTLMinutes is how long an unused pool survives before eviction.
	IdleTTLMinutes int `yaml:"idle_ttl_minutes" env:"POOL_IDLE_TTL_MINUTES" env-default:"5"`
}

// SchemaConfig controls the introspection cache.
type SchemaConfig struct {
	CacheTTLMinutes int `yaml:"cache_ttl_minutes" env:"SCHEMA_CACHE_TTL_MINUTES" env-default:"10"`
}

// SessionConfig controls conversation context retention.
type SessionConfig struct {
	InactivityMinutes int `yaml:"inactivity_minutes" env:"SESSION_INACTIVITY_MINUTES" env-default:"30"`
	MaxTurns          int `yaml:"max_turns" env:"SESSION_MAX_TURNS" env-default:"20"`
}

// HistoryConfig bounds the in-memory query history log.
type HistoryConfig struct {
	MaxRecords int `yaml:"max_records" env:"HISTORY_MAX_RECORDS" env-default:"10000"`
}

// Load reads config.yaml (when present) with environment overrides and
// validates the result. The version string is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CredentialsKey == "" {
		return errors.New("CREDENTIALS_KEY is required")
	}
	if c.Query.MaxRows <= 0 {
		return fmt.Errorf("query.max_rows must be positive, got %d", c.Query.MaxRows)
	}
	if c.Pool.MaxConns < c.Pool.MinConns {
		return fmt.Errorf("pool.max_conns (%d) must be >= pool.min_conns (%d)", c.Pool.MaxConns, c.Pool.MinConns)
	}
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("model.provider must be openai or anthropic, got %q", c.Model.Provider)
	}
	return nil
}

// QueryTimeout returns the per-statement execution budget.
func (c *QueryConfig) QueryTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LeaseWait returns the bounded wait for lease acquisition.
func (c *PoolConfig) LeaseWait() time.Duration {
	return time.Duration(c.LeaseWaitSeconds) * time.Second
}

// IdleTTL returns pool idle lifetime.
func (c *PoolConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMinutes) * time.Minute
}

// CacheTTL returns schema cache entry lifetime.
func (c *SchemaConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// InactivityWindow returns the session garbage-collection window.
func (c *SessionConfig) InactivityWindow() time.Duration {
	return time.Duration(c.InactivityMinutes) * time.Minute
}

// ModelTimeout returns the single-invocation model budget.
func (c *ModelConfig) ModelTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
