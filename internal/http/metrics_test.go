package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/projects/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})

	for _, path := range []string{"/health", "/api/v1/projects/web_1", "/api/v1/projects/web_2"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	foundRequests := false
	foundDuration := false
	foundResponseSize := false

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "foundry.http.requests_total":
				foundRequests = true
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", m.Data)
				}
				byRoute := map[string]int64{}
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value(attribute.Key("route"))
					byRoute[route.AsString()] += dp.Value
				}
				if byRoute["/api/v1/projects/:id"] != 2 {
					t.Errorf("expected 2 requests on the project route, got %v", byRoute)
				}
				if byRoute["/health"] != 1 {
					t.Errorf("expected 1 health request, got %v", byRoute)
				}
			case "foundry.http.request_duration_seconds":
				foundDuration = true
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					total := uint64(0)
					for _, dp := range hist.DataPoints {
						total += dp.Count
					}
					if total != 3 {
						t.Errorf("expected 3 duration recordings, got %d", total)
					}
				}
			case "foundry.http.response_size_bytes":
				foundResponseSize = true
			}
		}
	}

	if !foundRequests {
		t.Error("requests counter not found")
	}
	if !foundDuration {
		t.Error("duration histogram not found")
	}
	if !foundResponseSize {
		t.Error("response size histogram not found")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/projects/:id", "/api/v1/projects/:id"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
