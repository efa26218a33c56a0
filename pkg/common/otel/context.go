package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// GetTraceID extracts the trace id of the current span for request log
// correlation. Outside a recorded span it returns the zero trace id rather
// than an empty string, keeping the log field shape stable.
func GetTraceID(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return "00000000000000000000000000000000"
}
