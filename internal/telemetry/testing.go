package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	reader       *sdkmetric.ManualReader
}

// NewTestTelemetry creates telemetry with in-memory exporters for testing.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t := &Telemetry{
		config:         cfg,
		logger:         zap.NewNop(),
		tracerProvider: tp,
		meterProvider:  mp,
	}
	t.healthy.Store(true)

	return &TestTelemetry{Telemetry: t, SpanRecorder: recorder, reader: reader}
}

// Spans returns all ended spans.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return t.SpanRecorder.Ended()
}

// SpanByName finds an ended span by name, or nil.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	for _, span := range t.Spans() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// SpanNames lists ended span names in end order.
func (t *TestTelemetry) SpanNames() []string {
	spans := t.Spans()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	return names
}

// AssertSpanExists verifies a span with the given name was recorded.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) == nil {
		tb.Errorf("expected span %q not found, got: %v", name, t.SpanNames())
	}
}

// AssertSpanAttribute verifies a span has the expected attribute.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected interface{}) {
	tb.Helper()
	span := t.SpanByName(spanName)
	if span == nil {
		tb.Fatalf("span %q not found", spanName)
	}
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key {
			if got := attrValue(attr.Value); got != expected {
				tb.Errorf("span %q attribute %q: got %v, want %v", spanName, key, got, expected)
			}
			return
		}
	}
	tb.Errorf("span %q missing attribute %q", spanName, key)
}

// Collect gathers current metric data.
func (t *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.reader.Collect(ctx, &rm)
	return rm, err
}

// MetricNames lists every instrument name that has data.
func (t *TestTelemetry) MetricNames(ctx context.Context) []string {
	rm, err := t.Collect(ctx)
	if err != nil {
		return nil
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names
}

func attrValue(v attribute.Value) interface{} {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.AsInterface()
	}
}
