// internal/logging/config.go
package logging

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level     zapcore.Level     `koanf:"level"`
	Format    string            `koanf:"format"`
	Output    OutputConfig      `koanf:"output"`
	Sampling  SamplingConfig    `koanf:"sampling"`
	Caller    bool              `koanf:"caller"`
	Fields    map[string]string `koanf:"fields"`
	Redaction RedactionConfig   `koanf:"redaction"`
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
	// Stderr sends the stdout stream to stderr instead. Set when stdout
	// carries a protocol or machine-readable output.
	Stderr bool `koanf:"stderr"`
}

// SamplingConfig controls log volume for entries below error level.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

// RedactionConfig lists field keys whose values never reach the output.
type RedactionConfig struct {
	Enabled bool     `koanf:"enabled"`
	Keys    []string `koanf:"keys"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Fields: map[string]string{
			"service": "foundry",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Keys:    []string{"api_key", "token", "authorization", "secret", "password"},
		},
	}
}

// FromSettings builds a logging config from the user-facing settings.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		level, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = level
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.Output.OTEL = s.OTEL
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
