package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return newMetrics(mp.Meter(instrumentationName), nil), reader
}

// int64Points returns the data points of the named int64 sum.
func int64Points(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			return sum.DataPoints
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func total(points []metricdata.DataPoint[int64]) int64 {
	var n int64
	for _, p := range points {
		n += p.Value
	}
	return n
}

func TestMetrics_Start(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Start(ctx, "provider_status")(nil)
	done := m.Start(ctx, "create_project")
	assert.Equal(t, int64(1), total(int64Points(t, reader, "foundry.mcp.tool.active_requests")))
	done(errors.New("invalid project_type"))

	assert.Equal(t, int64(2), total(int64Points(t, reader, "foundry.mcp.tool.invocations_total")))
	assert.Equal(t, int64(0), total(int64Points(t, reader, "foundry.mcp.tool.active_requests")))

	failures := int64Points(t, reader, "foundry.mcp.tool.errors_total")
	require.Len(t, failures, 1)
	kind, ok := failures[0].Attributes.Value(attribute.Key("kind"))
	require.True(t, ok)
	assert.Equal(t, "invalid_configuration", kind.AsString())
	tool, _ := failures[0].Attributes.Value(attribute.Key("tool"))
	assert.Equal(t, "create_project", tool.AsString())
}

func TestMetrics_ProjectFinished(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ProjectFinished(ctx, "cli_tool", true, "")
	m.ProjectFinished(ctx, "cli_tool", true, "")
	m.ProjectFinished(ctx, "api_service", false, recovery.KindTimeout)

	points := int64Points(t, reader, "foundry.mcp.projects_total")
	require.Len(t, points, 2)
	byOutcome := map[string]int64{}
	for _, p := range points {
		outcome, _ := p.Attributes.Value(attribute.Key("outcome"))
		byOutcome[outcome.AsString()] += p.Value
	}
	assert.Equal(t, map[string]int64{"success": 2, "failed": 1}, byOutcome)
}

func TestMetrics_NilInstrumentsAreSkipped(t *testing.T) {
	m := &Metrics{}
	assert.NotPanics(t, func() {
		m.Start(context.Background(), "project_errors")(errors.New("boom"))
		m.ProjectFinished(context.Background(), "cli_tool", false, recovery.KindConnectivity)
	})
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"explicit kind", recovery.Wrap(recovery.KindAuthentication, "llm", errors.New("boom")), "authentication"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"rate limit message", errors.New("429 too many requests"), "rate_limit_exceeded"},
		{"not found", errors.New("workspace not found"), "missing_resource"},
		{"invalid input", errors.New("invalid project_type"), "invalid_configuration"},
		{"generic error", errors.New("something went wrong"), "unexpected_runtime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categorizeError(tt.err))
		})
	}
}
