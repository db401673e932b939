package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every docustudio span.
const tracerName = "github.com/MrWong99/docustudio"

// Span names and attribute keys shared by the studio and the live controller.
const (
	SpanLiveStart = "live.Start"

	AttrProvider = attribute.Key("docustudio.provider")
	AttrLanguage = attribute.Key("docustudio.language")
)

// Tracer returns the docustudio tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering one attempt to open a live
// session on provider. It is a child of the browser's request span, so the
// session logs share the tab's correlation ID.
func StartSessionSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindClient)}
	if provider != "" {
		opts = append(opts, trace.WithAttributes(AttrProvider.String(provider)))
	}
	return StartSpan(ctx, SpanLiveStart, opts...)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The browser sees it as the X-Correlation-ID header of the live socket.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the correlation_id and
// span_id of ctx. Without a span it is [slog.Default] unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("correlation_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
