// Package config provides configuration loading for foundry.
//
// Configuration comes from an optional YAML file overridden by FOUNDRY_*
// environment variables. Every section has defaults so an empty file (or no
// file at all) yields a runnable configuration.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Config holds the complete foundry configuration.
type Config struct {
	Workspace   WorkspaceConfig           `koanf:"workspace"`
	Providers   map[string]ProviderConfig `koanf:"providers"`
	Concurrency ConcurrencyConfig         `koanf:"concurrency"`
	Retry       RetryConfig               `koanf:"retry"`
	Breaker     BreakerConfig             `koanf:"breaker"`
	Pipeline    PipelineConfig            `koanf:"pipeline"`
	Engine      EngineConfig              `koanf:"engine"`
	Catalog     CatalogConfig             `koanf:"catalog"`
	Events      EventsConfig              `koanf:"events"`
	Server      ServerConfig              `koanf:"server"`
	Logging     LoggingConfig             `koanf:"logging"`
	Telemetry   TelemetryConfig           `koanf:"telemetry"`
}

// WorkspaceConfig controls where project workspaces are created.
type WorkspaceConfig struct {
	BaseDir     string `koanf:"base_dir"`
	GitSnapshot bool   `koanf:"git_snapshot"`
	SecretScan  bool   `koanf:"secret_scan"`
}

// ProviderConfig describes one rate-limited external provider.
type ProviderConfig struct {
	CallsPerMinute int               `koanf:"calls_per_minute"`
	MaxConcurrent  int               `koanf:"max_concurrent"`
	APIKey         Secret            `koanf:"api_key"`
	BaseURL        string            `koanf:"base_url"`
	Models         map[string]string `koanf:"models"` // keyed by model preference
}

// ConcurrencyConfig bounds in-flight engine calls across all projects.
type ConcurrencyConfig struct {
	MaxConcurrent int `koanf:"max_concurrent"`
}

// RetryConfig configures exponential backoff for engine calls.
type RetryConfig struct {
	MaxAttempts int      `koanf:"max_attempts"`
	BaseDelay   Duration `koanf:"base_delay"`
	MaxDelay    Duration `koanf:"max_delay"`
	Multiplier  float64  `koanf:"multiplier"`
}

// BreakerConfig configures per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `koanf:"failure_threshold"`
	Timeout          Duration `koanf:"timeout"`
}

// PipelineConfig configures the project pipeline.
type PipelineConfig struct {
	TeamProvider     string   `koanf:"team_provider"`
	EngineProvider   string   `koanf:"engine_provider"`
	ExecutionTimeout Duration `koanf:"execution_timeout"`
	OverallTimeout   Duration `koanf:"overall_timeout"`
}

// EngineConfig selects how work units are executed.
type EngineConfig struct {
	Runner  string   `koanf:"runner"` // "llm" or "command"
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// CatalogConfig points at an optional TOML role catalog override.
type CatalogConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

// EventsConfig configures NATS publication of pipeline events.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed to users.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// Provider names used by the default configuration.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGroq       = "groq"
	ProviderGoogle     = "google"
)

// DefaultCallsPerMinute applies to providers without an explicit limit.
const DefaultCallsPerMinute = 60

// DefaultProviders returns the built-in provider limits.
func DefaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		ProviderOpenRouter: {
			CallsPerMinute: 20,
			MaxConcurrent:  10,
			BaseURL:        "https://openrouter.ai/api/v1",
			Models: map[string]string{
				"reasoning": "deepseek/deepseek-chat-v3.1:free",
				"coding":    "qwen/qwen3-coder:free",
				"balanced":  "x-ai/grok-4-fast:free",
			},
		},
		ProviderGroq: {
			CallsPerMinute: 30,
			MaxConcurrent:  15,
			BaseURL:        "https://api.groq.com/openai/v1",
		},
		ProviderGoogle: {
			CallsPerMinute: 60,
			MaxConcurrent:  20,
		},
	}
}

// NewDefault returns a configuration with every default applied.
func NewDefault() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Workspace.BaseDir == "" {
		cfg.Workspace.BaseDir = "workspace"
	}

	defaults := DefaultProviders()
	if cfg.Providers == nil {
		cfg.Providers = defaults
	}
	for name, def := range defaults {
		p, ok := cfg.Providers[name]
		if !ok {
			cfg.Providers[name] = def
			continue
		}
		if p.CallsPerMinute == 0 {
			p.CallsPerMinute = def.CallsPerMinute
		}
		if p.MaxConcurrent == 0 {
			p.MaxConcurrent = def.MaxConcurrent
		}
		if p.BaseURL == "" {
			p.BaseURL = def.BaseURL
		}
		if p.Models == nil {
			p.Models = def.Models
		}
		cfg.Providers[name] = p
	}
	for name, p := range cfg.Providers {
		if p.CallsPerMinute == 0 {
			p.CallsPerMinute = DefaultCallsPerMinute
			cfg.Providers[name] = p
		}
	}

	if cfg.Concurrency.MaxConcurrent == 0 {
		cfg.Concurrency.MaxConcurrent = 10
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = Duration(time.Second)
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = Duration(60 * time.Second)
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = Duration(60 * time.Second)
	}

	if cfg.Pipeline.TeamProvider == "" {
		cfg.Pipeline.TeamProvider = ProviderOpenRouter
	}
	if cfg.Pipeline.EngineProvider == "" {
		cfg.Pipeline.EngineProvider = ProviderOpenRouter
	}
	if cfg.Pipeline.ExecutionTimeout == 0 {
		cfg.Pipeline.ExecutionTimeout = Duration(2 * time.Hour)
	}

	if cfg.Engine.Runner == "" {
		cfg.Engine.Runner = "llm"
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "foundry.projects"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "foundry"
	}
}

// Provider returns the configuration for name, falling back to the default
// rate limit for unknown providers.
func (c *Config) Provider(name string) ProviderConfig {
	if p, ok := c.Providers[name]; ok {
		return p
	}
	return ProviderConfig{CallsPerMinute: DefaultCallsPerMinute}
}

// ProviderNames returns configured provider names in sorted order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Workspace.BaseDir == "" {
		return errors.New("workspace.base_dir is required")
	}
	for name, p := range c.Providers {
		if p.CallsPerMinute < 0 {
			return fmt.Errorf("providers.%s.calls_per_minute must be >= 0, got %d", name, p.CallsPerMinute)
		}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("providers.%s.max_concurrent must be >= 0, got %d", name, p.MaxConcurrent)
		}
	}
	if c.Concurrency.MaxConcurrent < 1 {
		return fmt.Errorf("concurrency.max_concurrent must be >= 1, got %d", c.Concurrency.MaxConcurrent)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.max_delay must be >= retry.base_delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Pipeline.ExecutionTimeout.Duration() <= 0 {
		return errors.New("pipeline.execution_timeout must be positive")
	}
	switch c.Engine.Runner {
	case "llm":
	case "command":
		if c.Engine.Command == "" {
			return errors.New("engine.command is required when engine.runner is \"command\"")
		}
	default:
		return fmt.Errorf("engine.runner must be \"llm\" or \"command\", got %q", c.Engine.Runner)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}
	return nil
}
