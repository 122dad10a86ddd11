// Package telemetry provides OpenTelemetry instrumentation for foundry.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool           `koanf:"enabled"`
	Endpoint       string         `koanf:"endpoint"`
	Protocol       string         `koanf:"protocol"` // "grpc" or "http/protobuf"
	ServiceName    string         `koanf:"service_name"`
	ServiceVersion string         `koanf:"service_version"`
	Insecure       bool           `koanf:"insecure"`
	TLSSkipVerify  bool           `koanf:"tls_skip_verify"`
	Sampling       SamplingConfig `koanf:"sampling"`
	Metrics        MetricsConfig  `koanf:"metrics"`
	Shutdown       ShutdownConfig `koanf:"shutdown"`
}

// SamplingConfig controls trace sampling behavior.
type SamplingConfig struct {
	Rate float64 `koanf:"rate"` // 0.0-1.0
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Enabled        bool            `koanf:"enabled"`
	ExportInterval config.Duration `koanf:"export_interval"`
}

// ShutdownConfig controls graceful shutdown behavior.
type ShutdownConfig struct {
	Timeout config.Duration `koanf:"timeout"`
}

// NewDefaultConfig returns telemetry defaults. Export is off until a
// collector is configured.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		ServiceName:    "foundry",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		Sampling:       SamplingConfig{Rate: 1.0},
		Metrics: MetricsConfig{
			Enabled:        true,
			ExportInterval: config.Duration(15 * time.Second),
		},
		Shutdown: ShutdownConfig{
			Timeout: config.Duration(5 * time.Second),
		},
	}
}

// FromSettings builds a telemetry config from the user-facing settings.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = s.Enabled
	cfg.Insecure = s.Insecure
	if s.Endpoint != "" {
		cfg.Endpoint = s.Endpoint
	}
	if s.Protocol != "" {
		cfg.Protocol = s.Protocol
	}
	if s.ServiceName != "" {
		cfg.ServiceName = s.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Sampling.Rate = s.SampleRate
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("protocol must be 'grpc' or 'http/protobuf', got %q", c.Protocol)
	}

	if c.Insecure && !c.isLocalEndpoint() {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed; set insecure=false for TLS or use a local endpoint (localhost/127.0.0.1)")
	}

	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling.rate must be between 0 and 1, got %f", c.Sampling.Rate)
	}
	if c.Metrics.Enabled && c.Metrics.ExportInterval.Duration() <= 0 {
		return fmt.Errorf("metrics.export_interval must be positive when metrics enabled")
	}
	if c.Shutdown.Timeout.Duration() <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive")
	}
	return nil
}

func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)

	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	} else if strings.Count(host, ":") == 1 {
		host = host[:strings.LastIndex(host, ":")]
	}

	return host == "localhost" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.")
}
