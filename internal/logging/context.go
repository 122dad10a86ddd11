// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := ProjectIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("project.id", id))
	}
	if phase := PhaseFromContext(ctx); phase != "" {
		fields = append(fields, zap.String("pipeline.phase", phase))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}

	return fields
}

type projectCtxKey struct{}
type phaseCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// WithProjectID tags the context with the project being built.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectCtxKey{}, projectID)
}

// ProjectIDFromContext returns the project id, or "".
func ProjectIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(projectCtxKey{}).(string)
	return id
}

// WithPhase tags the context with the current pipeline phase.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// PhaseFromContext returns the pipeline phase, or "".
func PhaseFromContext(ctx context.Context) string {
	p, _ := ctx.Value(phaseCtxKey{}).(string)
	return p
}

// WithRequestID tags the context with an inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
