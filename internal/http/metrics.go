package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/foundry/internal/http"

// HTTPMetrics holds all HTTP-related metrics.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics creates a new HTTPMetrics instance.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"foundry.http.requests_total",
		metric.WithDescription("Total HTTP requests by method, route and status code"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"foundry.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by method, route and status code"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600, 1800),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.responseSize, err = m.meter.Int64Histogram(
		"foundry.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	if err != nil {
		m.logger.Warn("failed to create response size histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"foundry.http.active_requests",
		metric.WithDescription("Number of HTTP requests in progress, including streaming event subscriptions"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			path := c.Path()
			method := req.Method

			if m.activeRequests != nil {
				m.activeRequests.Add(req.Context(), 1)
			}

			err := next(c)

			// Record metrics after request completes
			duration := time.Since(start)
			status := c.Response().Status
			size := c.Response().Size

			route := normalizePath(path)

			attrs := []attribute.KeyValue{
				attribute.String("method", method),
				attribute.String("route", route),
				attribute.Int("status", status),
			}

			ctx := req.Context()

			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
			}

			if m.requestDur != nil {
				m.requestDur.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
			}

			if m.responseSize != nil {
				m.responseSize.Record(ctx, size, metric.WithAttributes(attrs...))
			}

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}

			return err
		}
	}
}

// normalizePath returns the registered route pattern so that project ids
// never become label values. Unmatched requests share one label.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
