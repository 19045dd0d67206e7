package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the callbridge tracer.
const tracerName = "github.com/MrWong99/callbridge"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SessionAttrs identifies one call in spans and logs.
type SessionAttrs struct {
	SessionID string
	CallID    string
	Provider  string
}

func (a SessionAttrs) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("callbridge.session_id", a.SessionID),
		attribute.String("callbridge.call_id", a.CallID),
		attribute.String("callbridge.provider", a.Provider),
	}
}

// StartSessionSpan starts the span that covers one call from Started to
// teardown.
func StartSessionSpan(ctx context.Context, a SessionAttrs) (context.Context, trace.Span) {
	return StartSpan(ctx, "callbridge.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(a.attributes()...),
	)
}

// SessionLogger returns [Logger] for ctx with the call's identifiers
// attached.
func SessionLogger(ctx context.Context, a SessionAttrs) *slog.Logger {
	return Logger(ctx).With(
		slog.String("session_id", a.SessionID),
		slog.String("call_id", a.CallID),
		slog.String("provider", a.Provider),
	)
}
