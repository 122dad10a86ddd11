package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/foundry/internal/pipeline"

// Metrics holds the pipeline's OpenTelemetry instruments.
type Metrics struct {
	projectsTotal  metric.Int64Counter
	activeProjects metric.Int64UpDownCounter
	phaseDuration  metric.Float64Histogram
	unitsCompleted metric.Int64Histogram
}

// NewMetrics creates the instruments. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.projectsTotal, err = meter.Int64Counter(
		"pipeline.projects.total",
		metric.WithDescription("Projects finished, by outcome"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		return nil, err
	}

	m.activeProjects, err = meter.Int64UpDownCounter(
		"pipeline.projects.active",
		metric.WithDescription("Projects currently running"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		return nil, err
	}

	m.phaseDuration, err = meter.Float64Histogram(
		"pipeline.phase.duration",
		metric.WithDescription("Time spent in each phase"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.unitsCompleted, err = meter.Int64Histogram(
		"pipeline.units.completed",
		metric.WithDescription("Work units completed per project"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) projectStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeProjects.Add(ctx, 1)
}

func (m *Metrics) projectFinished(ctx context.Context, projectType string, success bool, units int) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.activeProjects.Add(ctx, -1)
	m.projectsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("project.type", projectType),
	))
	m.unitsCompleted.Record(ctx, int64(units))
}

func (m *Metrics) phaseDone(ctx context.Context, phase Phase, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.Bool("error", err != nil),
	))
}

// startPhaseSpan opens "pipeline.<phase>".
func startPhaseSpan(ctx context.Context, tracer trace.Tracer, projectID string, phase Phase) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline."+string(phase),
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("pipeline.phase", string(phase)),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
