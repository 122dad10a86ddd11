package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/foundry/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{Enabled: true}

	tel, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.Equal(t, HealthStatus{Healthy: false, Degraded: true}, tel.Health())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, ""},
		{"enabled local", func(c *Config) { c.Enabled = true }, ""},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, "endpoint is required"},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "protocol must be"},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "insecure connections"},
		{"secure remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "https://otel.example.com"
			c.Insecure = false
		}, ""},
		{"sample rate", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 1.5 }, "sampling.rate"},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "collector:4318",
		Protocol:    "http/protobuf",
		SampleRate:  0.25,
		ServiceName: "foundry-ci",
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "collector:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, 0.25, cfg.Sampling.Rate)
	assert.Equal(t, "foundry-ci", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.False(t, cfg.Insecure)
}

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	res := newResource(cfg)

	var found bool
	for _, attr := range res.Attributes() {
		if attr.Key == "service.name" {
			assert.Equal(t, "foundry", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "host:4318", stripScheme("https://host:4318"))
	assert.Equal(t, "host:4318", stripScheme("http://host:4318"))
	assert.Equal(t, "host:4317", stripScheme("host:4317"))
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tel := NewTestTelemetry()
	ctx := context.Background()

	_, span := tel.Tracer("foundry/test").Start(ctx, "pipeline.analyzing")
	span.SetAttributes(attribute.String("project.type", "api_service"))
	span.End()

	counter, err := tel.Meter("foundry/test").Int64Counter("foundry.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	tel.AssertSpanExists(t, "pipeline.analyzing")
	tel.AssertSpanAttribute(t, "pipeline.analyzing", "project.type", "api_service")
	assert.Contains(t, tel.MetricNames(ctx), "foundry.test.count")
}
