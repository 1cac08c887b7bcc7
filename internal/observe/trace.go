package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// scope is the instrumentation scope of spans started by this module.
const scope = "github.com/huntmaster/huntmaster"

// traceID returns the hex trace id carried by ctx, or "" without one.
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, annotated with the trace and span ids
// when ctx carries a valid span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
