package observe

import (
	"context"
	"time"

	"github.com/jonwraymond/toolrun"
)

// Middleware wraps tool handlers with tracing, metrics, and logging.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe handler.
//   - Context: propagates context through tracing spans.
//   - Errors: errors from the wrapped handler are recorded and
//     propagated unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a Middleware with the given components.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Wrap instruments a handler registered under the given tool name.
func (m *Middleware) Wrap(tool string, h toolrun.ToolHandler) toolrun.ToolHandler {
	logger := m.logger.With(Field{Key: "tool", Value: tool})

	return toolrun.HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		ctx, span := m.tracer.StartSpan(ctx, tool, "")
		start := time.Now()

		out, err := h.Invoke(ctx, args)
		duration := time.Since(start)

		m.tracer.EndSpan(span, err)
		m.metrics.RecordExecution(ctx, tool, duration, err)

		fields := []Field{
			{Key: "duration_ms", Value: float64(duration.Milliseconds())},
		}
		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err.Error()})
			logger.Error(ctx, "tool execution failed", fields...)
		} else {
			logger.Info(ctx, "tool execution completed", fields...)
		}

		return out, err
	})
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) *Middleware {
	return NewMiddleware(NewTracer(obs.Tracer()), obs.Metrics(), obs.Logger())
}
