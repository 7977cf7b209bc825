package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// SpanName returns the deterministic span name for a tool invocation.
// Format: toolrun.exec.<tool>
func SpanName(tool string) string {
	return "toolrun.exec." + tool
}

// Tracer wraps OpenTelemetry tracing with invocation span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a span for one tool invocation. correlationID
	// may be empty.
	StartSpan(ctx context.Context, tool, correlationID string) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

// tracerImpl is the concrete implementation of Tracer.
type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer wraps the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, tool, correlationID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("tool.name", tool),
	}
	if correlationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", correlationID))
	}

	return t.tracer.Start(ctx, SpanName(tool),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// noopTracer is a tracer that does nothing.
type noopTracer struct {
	noop trace.Tracer
}

// NopTracer returns a tracer that records nothing.
func NopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, tool, _ string) (context.Context, trace.Span) {
	return t.noop.Start(ctx, SpanName(tool))
}

func (t *noopTracer) EndSpan(span trace.Span, err error) {
	span.End()
}
