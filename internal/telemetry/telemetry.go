package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Telemetry owns the tracer and meter providers for one foundry process.
//
// Export failures never stop a pipeline: a provider that cannot be built
// leaves the instance degraded and callers fall back to the global no-op
// providers.
type Telemetry struct {
	config *Config
	logger *zap.Logger

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	healthy  atomic.Bool
	degraded atomic.Bool
}

// New creates a Telemetry instance. A disabled config yields a no-op instance.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Telemetry{config: cfg, logger: logger}
	t.healthy.Store(true)

	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded("tracer provider", err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded("meter provider", err)
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the given instrumentation scope.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// LoggerProvider returns the process-wide provider for the zap bridge.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	return logglobal.GetLoggerProvider()
}

// Shutdown flushes and stops all providers, bounded by the configured
// timeout when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Shutdown.Timeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	t.healthy.Store(false)
	return errors.Join(errs...)
}

// ForceFlush exports all pending telemetry.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HealthStatus reports telemetry state for /health.
type HealthStatus struct {
	Healthy  bool `json:"healthy"`
	Degraded bool `json:"degraded"`
}

// Health returns the current telemetry health status.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Healthy: false, Degraded: true}
	}
	return HealthStatus{
		Healthy:  t.healthy.Load(),
		Degraded: t.degraded.Load(),
	}
}

// IsEnabled returns true if telemetry is enabled and healthy.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.config == nil {
		return false
	}
	return t.config.Enabled && t.healthy.Load()
}

func (t *Telemetry) setDegraded(component string, err error) {
	t.degraded.Store(true)
	t.logger.Warn("telemetry degraded", zap.String("component", component), zap.Error(err))
}
