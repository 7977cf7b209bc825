package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records execution-core metrics: tool invocations, cache
// lookups, retries, and circuit breaker transitions.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly; recording never blocks execution.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordExecution records one tool execution with duration and
	// error status.
	RecordExecution(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordCacheLookup records a response cache hit or miss.
	RecordCacheLookup(ctx context.Context, tool string, hit bool)

	// RecordRetries records the retries spent on one invocation.
	RecordRetries(ctx context.Context, tool string, retries int)

	// RecordBreakerTransition records a circuit state change.
	RecordBreakerTransition(ctx context.Context, target, from, to string)

	// RecordQueueDepth records the current depth of one priority queue.
	RecordQueueDepth(ctx context.Context, priority string, depth int)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	meter        metric.Meter
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	retryCount   metric.Int64Counter
	transitions  metric.Int64Counter
	queueDepth   metric.Int64Gauge
}

// NewMetrics creates a Metrics instance recording through the given
// meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	totalCount, err := meter.Int64Counter(
		"toolrun.exec.total",
		metric.WithDescription("Total number of tool executions"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"toolrun.exec.errors",
		metric.WithDescription("Total number of tool execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"toolrun.exec.duration_ms",
		metric.WithDescription("Tool execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"toolrun.cache.hits",
		metric.WithDescription("Response cache hits"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"toolrun.cache.misses",
		metric.WithDescription("Response cache misses"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	retryCount, err := meter.Int64Counter(
		"toolrun.retry.attempts",
		metric.WithDescription("Retry attempts beyond the first try"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"toolrun.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"toolrun.queue.depth",
		metric.WithDescription("Current priority queue depth"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		meter:        meter,
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
		retryCount:   retryCount,
		transitions:  transitions,
		queueDepth:   queueDepth,
	}, nil
}

func (m *metricsImpl) RecordExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("tool.name", tool))

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordCacheLookup(ctx context.Context, tool string, hit bool) {
	opt := metric.WithAttributes(attribute.String("tool.name", tool))
	if hit {
		m.cacheHits.Add(ctx, 1, opt)
	} else {
		m.cacheMisses.Add(ctx, 1, opt)
	}
}

func (m *metricsImpl) RecordRetries(ctx context.Context, tool string, retries int) {
	m.retryCount.Add(ctx, int64(retries),
		metric.WithAttributes(attribute.String("tool.name", tool)))
}

func (m *metricsImpl) RecordBreakerTransition(ctx context.Context, target, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *metricsImpl) RecordQueueDepth(ctx context.Context, priority string, depth int) {
	m.queueDepth.Record(ctx, int64(depth),
		metric.WithAttributes(attribute.String("priority", priority)))
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *noopMetrics) RecordExecution(context.Context, string, time.Duration, error) {}
func (m *noopMetrics) RecordCacheLookup(context.Context, string, bool)               {}
func (m *noopMetrics) RecordRetries(context.Context, string, int)                    {}
func (m *noopMetrics) RecordBreakerTransition(context.Context, string, string, string) {
}
func (m *noopMetrics) RecordQueueDepth(context.Context, string, int) {}
