package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for kernel-engine spans
var (
	AttrKernelID    = attribute.Key("kengine.kernel.id")
	AttrMode        = attribute.Key("kengine.kernel.mode")
	AttrLanguage    = attribute.Key("kengine.kernel.language")
	AttrFromPool    = attribute.Key("kengine.kernel.from_pool")
	AttrExecutionID = attribute.Key("kengine.execution.id")
	AttrDurationMs  = attribute.Key("kengine.duration_ms")
	AttrNamespace   = attribute.Key("kengine.namespace")
)
