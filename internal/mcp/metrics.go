package mcp

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/foundry/internal/mcp"

// Metrics records tool calls and the projects created through them.
// Instruments that fail to register are skipped.
type Metrics struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	projects metric.Int64Counter
}

// NewMetrics registers the MCP instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create MCP instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &Metrics{}
	var err error
	m.calls, err = meter.Int64Counter("foundry.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls"),
		metric.WithUnit("{call}"))
	warn("invocations_total", err)

	m.latency, err = meter.Float64Histogram("foundry.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency; create_project spans a whole pipeline run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 1, 10, 60, 300, 1800))
	warn("duration_seconds", err)

	m.failures, err = meter.Int64Counter("foundry.mcp.tool.errors_total",
		metric.WithDescription("MCP tool calls that returned an error, by recovery kind"),
		metric.WithUnit("{error}"))
	warn("errors_total", err)

	m.inFlight, err = meter.Int64UpDownCounter("foundry.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{call}"))
	warn("active_requests", err)

	m.projects, err = meter.Int64Counter("foundry.mcp.projects_total",
		metric.WithDescription("Projects created through create_project, by type and outcome"),
		metric.WithUnit("{project}"))
	warn("projects_total", err)

	return m
}

// Start marks a tool call in flight. The returned func ends it, recording
// latency and, for a non-nil error, its recovery kind.
func (m *Metrics) Start(ctx context.Context, tool string) func(err error) {
	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, toolAttr)
	}
	start := time.Now()

	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, toolAttr)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, toolAttr)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), toolAttr)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("kind", categorizeError(err)),
			))
		}
	}
}

// ProjectFinished counts one pipeline run. kind is empty on success.
func (m *Metrics) ProjectFinished(ctx context.Context, projectType string, success bool, kind recovery.Kind) {
	if m.projects == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	m.projects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project_type", projectType),
		attribute.String("outcome", outcome),
		attribute.String("kind", string(kind)),
	))
}

// categorizeError labels err with its recovery kind so tool errors line up
// with workspace error logs.
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	return string(recovery.Classify(err))
}
