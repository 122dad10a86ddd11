package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

const protocolHTTP = "http/protobuf"

// newResource describes the foundry process emitting telemetry.
func newResource(cfg *Config) *resource.Resource {
	// Standalone resource; resource.Default() carries a different schema URL.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
}

// skipVerifyTLS is used only when the operator sets tls_skip_verify.
func skipVerifyTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
}

func newSpanExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	if cfg.Protocol == protocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
		switch {
		case cfg.Insecure:
			opts = append(opts, otlptracehttp.WithInsecure())
		case cfg.TLSSkipVerify:
			opts = append(opts, otlptracehttp.WithTLSClientConfig(skipVerifyTLS()))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	switch {
	case cfg.Insecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case cfg.TLSSkipVerify:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(skipVerifyTLS())))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// newSampler maps the configured rate onto a parent-based sampler so that
// unit spans follow their pipeline span's decision.
func newSampler(rate float64) trace.Sampler {
	var root trace.Sampler
	switch {
	case rate >= 1.0:
		root = trace.AlwaysSample()
	case rate <= 0:
		root = trace.NeverSample()
	default:
		root = trace.TraceIDRatioBased(rate)
	}
	return trace.ParentBased(root)
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(newSampler(cfg.Sampling.Rate)),
	), nil
}

// cumulative matches the Prometheus /metrics endpoint and overrides any
// OTEL_EXPORTER_OTLP_METRICS_TEMPORALITY_PREFERENCE inherited from the parent.
func cumulative(metric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func newMetricExporter(ctx context.Context, cfg *Config) (metric.Exporter, error) {
	if cfg.Protocol == protocolHTTP {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		switch {
		case cfg.Insecure:
			opts = append(opts, otlpmetrichttp.WithInsecure())
		case cfg.TLSSkipVerify:
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(skipVerifyTLS()))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	switch {
	case cfg.Insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case cfg.TLSSkipVerify:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(skipVerifyTLS())))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

// newMeterProvider returns nil when metrics export is disabled.
func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*metric.MeterProvider, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}

	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(
			exporter,
			metric.WithInterval(cfg.Metrics.ExportInterval.Duration()),
		)),
	), nil
}

// stripScheme removes http:// or https://; OTLP exporters want host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
