package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/toolrun"
	"github.com/jonwraymond/toolrun/batch"
	"github.com/jonwraymond/toolrun/cache"
	"github.com/jonwraymond/toolrun/observe"
	"github.com/jonwraymond/toolrun/resilience"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("scheduler: executor closed")

// Config configures an Executor. The zero value is usable; every field
// falls back to a sensible default.
type Config struct {
	// WorkersPerPriority is the number of workers dedicated to each
	// priority level. Default: 2
	WorkersPerPriority int

	// QueueCapacities bounds each priority queue. Fixed at
	// construction; hot reload does not resize queues.
	QueueCapacities [toolrun.NumPriorities]int

	// MaxConcurrent caps requests past admission. Default: 10
	MaxConcurrent int

	// MemoryCeilingBytes caps the estimated memory of admitted
	// requests. Default: 512 MiB
	MemoryCeilingBytes int64

	// DefaultTimeout applies when a request carries none.
	// Default: 30s
	DefaultTimeout time.Duration

	// Retry is the default retry policy for every invocation.
	Retry resilience.Policy

	// Breaker is the default per-target breaker configuration.
	Breaker resilience.BreakerConfig

	// BreakerOverrides applies target-specific breaker settings on top
	// of Breaker, keyed by tool name.
	BreakerOverrides map[string]resilience.BreakerConfig

	// RateLimit optionally throttles dispatch. Nil disables.
	RateLimit *resilience.RateLimiterConfig

	// Cache configures the response cache.
	Cache cache.Config

	// Batch configures batch planning.
	Batch batch.Config

	// Logger receives structured execution logs. Default: no-op.
	Logger observe.Logger

	// Metrics receives execution metrics. Default: no-op.
	Metrics observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.WorkersPerPriority <= 0 {
		c.WorkersPerPriority = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MemoryCeilingBytes <= 0 {
		c.MemoryCeilingBytes = 512 << 20
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observe.NopMetrics()
	}
	return c
}

// Executor owns the priority queues, the worker pool, and the
// execution pipeline.
type Executor struct {
	handlers *toolrun.Registry
	queues   *PriorityQueueSet
	keyer    cache.Keyer
	store    *cache.Store
	breakers *resilience.Registry
	retry    *resilience.Coordinator
	stats    *statsCollector
	flight   singleflight.Group
	logger   observe.Logger
	metrics  observe.Metrics

	// mu guards the hot-reloadable pieces below. Workers take the
	// current guards at admission and release the same instances, so
	// swapping them never unbalances a semaphore.
	mu             sync.Mutex
	concurrency    *resilience.ConcurrencyGuard
	memory         *resilience.MemoryGuard
	limiter        *resilience.RateLimiter
	retryPolicy    resilience.Policy
	defaultTimeout time.Duration
	batchConfig    batch.Config

	stop    chan struct{}
	workers sync.WaitGroup
	closed  bool
}

// New creates an Executor and starts its worker pool. Handlers must
// not be nil.
func New(handlers *toolrun.Registry, cfg Config) (*Executor, error) {
	if handlers == nil {
		return nil, errors.New("scheduler: handler registry is required")
	}
	cfg = cfg.withDefaults()

	e := &Executor{
		handlers:       handlers,
		queues:         NewPriorityQueueSet(cfg.QueueCapacities),
		keyer:          cache.NewDefaultKeyer(),
		store:          cache.New(cfg.Cache),
		retry:          resilience.NewCoordinator(),
		stats:          newStatsCollector(),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		concurrency:    resilience.NewConcurrencyGuard(cfg.MaxConcurrent),
		memory:         resilience.NewMemoryGuard(cfg.MemoryCeilingBytes),
		retryPolicy:    cfg.Retry,
		defaultTimeout: cfg.DefaultTimeout,
		batchConfig:    cfg.Batch,
		stop:           make(chan struct{}),
	}

	e.breakers = resilience.NewRegistry(e.wrapBreaker(cfg.Breaker))
	for target, override := range cfg.BreakerOverrides {
		e.breakers.SetOverride(target, e.wrapBreaker(override))
	}

	if cfg.RateLimit != nil {
		e.limiter = resilience.NewRateLimiter(*cfg.RateLimit)
	}

	for level := toolrun.PriorityCritical; level <= toolrun.PriorityLow; level++ {
		for i := 0; i < cfg.WorkersPerPriority; i++ {
			e.workers.Add(1)
			go e.dispatch(level)
		}
	}
	return e, nil
}

// Cache exposes the response cache for invalidation and inspection.
func (e *Executor) Cache() *cache.Store {
	return e.store
}

// Breakers exposes the circuit breaker registry.
func (e *Executor) Breakers() *resilience.Registry {
	return e.breakers
}

// QueueCapacities reports each priority queue's capacity.
func (e *Executor) QueueCapacities() [toolrun.NumPriorities]int {
	return e.queues.Capacities()
}

// Submit runs one request through the full pipeline and blocks until
// its result is ready. Expected failures come back as failed Results,
// never errors: queue pressure, timeout, open breaker, memory
// exhaustion, unknown tool.
func (e *Executor) Submit(ctx context.Context, req *toolrun.Request) toolrun.Result {
	r := *req
	request := (&r).Normalize()
	e.stats.recordSubmit()

	if _, err := e.handlers.Resolve(request.Tool); err != nil {
		return toolrun.Failed(request, err)
	}

	key, err := e.keyer.Key(request.Tool, request.Args)
	if err != nil {
		return toolrun.Failed(request, fmt.Errorf("cache key: %w", err))
	}

	if output, ok := e.cacheLookup(ctx, request, key); ok {
		return toolrun.Result{
			CorrelationID: request.CorrelationID,
			Tool:          request.Tool,
			Output:        output,
			Success:       true,
			Cached:        true,
		}
	}

	// Identical concurrent invocations share one execution.
	v, err, shared := e.flight.Do(key, func() (any, error) {
		return e.enqueueAndWait(ctx, request, key), nil
	})
	if err != nil {
		return toolrun.Failed(request, err)
	}

	res := v.(toolrun.Result)
	if shared {
		e.stats.recordDedup()
	}
	res.CorrelationID = request.CorrelationID
	return res
}

// Invoke implements batch.Invoker.
func (e *Executor) Invoke(ctx context.Context, req *toolrun.Request) toolrun.Result {
	return e.Submit(ctx, req)
}

// SubmitBatch plans and runs a batch, delegating ordering,
// deduplication, and failure handling to the batch runner. Each
// request still flows through the single-request pipeline.
func (e *Executor) SubmitBatch(ctx context.Context, reqs []*toolrun.Request, mode batch.ExecutionMode, failure batch.FailureMode) batch.Summary {
	e.mu.Lock()
	cfg := e.batchConfig
	e.mu.Unlock()

	runner := batch.NewRunner(e, e.keyer, cfg)
	summary := runner.Run(ctx, reqs, mode, failure)

	e.logger.Info(ctx, "batch complete",
		observe.Field{Key: "mode", Value: mode.String()},
		observe.Field{Key: "requests", Value: len(reqs)},
		observe.Field{Key: "succeeded", Value: summary.SuccessCount},
		observe.Field{Key: "failed", Value: summary.FailureCount},
		observe.Field{Key: "elapsed", Value: summary.Elapsed.String()},
	)
	return summary
}

// Stats returns a point-in-time snapshot across the executor, cache,
// breakers, and retry coordinator.
func (e *Executor) Stats() Snapshot {
	executor := e.stats.snapshot()
	executor.QueueDepths = e.queues.Depths()
	for p := toolrun.PriorityCritical; p < toolrun.NumPriorities; p++ {
		e.metrics.RecordQueueDepth(context.Background(), p.String(), executor.QueueDepths[p])
	}

	e.mu.Lock()
	executor.InFlight = e.concurrency.InFlight()
	executor.MemoryInUse = e.memory.Used()
	executor.MemoryCeiling = e.memory.Ceiling()
	e.mu.Unlock()

	return Snapshot{
		Executor: executor,
		Cache:    e.store.Stats(),
		Breakers: e.breakers.Snapshots(),
		Retry:    e.retry.Stats(),
	}
}

// Close stops the workers and fails any still-queued requests. Close
// does not cancel work already admitted.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stop)
	e.workers.Wait()

	for _, t := range e.queues.drain() {
		t.done <- toolrun.Failed(t.req, ErrClosed)
	}
}

// Reconfigure applies new settings to the running executor without
// disturbing in-flight work. Guards are swapped wholesale; admitted
// requests release the guard instances they acquired from. Queue
// capacities and the worker pool are fixed at construction and are
// not affected; neither are the logger and metrics sink.
func (e *Executor) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()

	e.breakers.UpdateDefaults(e.wrapBreaker(cfg.Breaker))
	for target, override := range cfg.BreakerOverrides {
		e.breakers.SetOverride(target, e.wrapBreaker(override))
	}
	e.store.SetLimits(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)

	e.mu.Lock()
	if int64(cfg.MaxConcurrent) != e.concurrency.Capacity() {
		e.concurrency = resilience.NewConcurrencyGuard(cfg.MaxConcurrent)
	}
	if cfg.MemoryCeilingBytes != e.memory.Ceiling() {
		e.memory = resilience.NewMemoryGuard(cfg.MemoryCeilingBytes)
	}
	if cfg.RateLimit != nil {
		e.limiter = resilience.NewRateLimiter(*cfg.RateLimit)
	} else {
		e.limiter = nil
	}
	e.retryPolicy = cfg.Retry
	e.defaultTimeout = cfg.DefaultTimeout
	e.batchConfig = cfg.Batch
	e.mu.Unlock()
}

// enqueueAndWait places the request on its priority queue and waits
// for the worker's result.
func (e *Executor) enqueueAndWait(ctx context.Context, req *toolrun.Request, key string) toolrun.Result {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return toolrun.Failed(req, ErrClosed)
	}

	t := &task{ctx: ctx, req: req, done: make(chan toolrun.Result, 1)}
	if err := e.queues.Enqueue(t); err != nil {
		e.stats.recordRejection()
		e.logger.Warn(ctx, "queue full",
			observe.Field{Key: "tool", Value: req.Tool},
			observe.Field{Key: "priority", Value: req.Priority.String()},
		)
		return toolrun.Failed(req, err)
	}

	select {
	case res := <-t.done:
		if res.Success && !res.Cached {
			e.cacheStore(ctx, req, key, res.Output)
		}
		return res
	case <-ctx.Done():
		// The worker may still pick the task up; its result is dropped.
		return toolrun.Failed(req, ctx.Err())
	}
}

// dispatch is one worker's loop. The non-blocking scan keeps strict
// priority across levels; the blocking dequeue parks the worker when
// everything at or above its level is empty.
func (e *Executor) dispatch(level toolrun.Priority) {
	defer e.workers.Done()
	for {
		t := e.queues.tryDequeue(level)
		if t == nil {
			var ok bool
			t, ok = e.queues.dequeue(level, e.stop)
			if !ok {
				return
			}
		}
		e.run(t)
	}
}

// run executes one admitted task: guards, timeout, retry, breaker,
// handler. Exactly one result is always delivered.
func (e *Executor) run(t *task) {
	ctx, req := t.ctx, t.req
	start := time.Now()

	if ctx.Err() != nil {
		t.done <- toolrun.Failed(req, ctx.Err())
		return
	}

	e.mu.Lock()
	concurrency, memory := e.concurrency, e.memory
	limiter := e.limiter
	policy := e.retryPolicy
	timeout := e.defaultTimeout
	e.mu.Unlock()

	estimate := estimateSize(req)
	if err := memory.Reserve(estimate); err != nil {
		t.done <- e.finish(ctx, req, nil, 0, err, start)
		return
	}
	defer memory.Release(estimate)

	if err := concurrency.Acquire(ctx); err != nil {
		t.done <- e.finish(ctx, req, nil, 0, err, start)
		return
	}
	defer concurrency.Release()

	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	// The operation may outlive the timeout in its detached goroutine;
	// outcome hands its writes over safely.
	var outcome struct {
		sync.Mutex
		output  any
		retries int
	}
	err := resilience.ExecuteWithTimeout(ctx, timeout, func(ctx context.Context) error {
		var output any
		retries, attemptErr := e.retry.Execute(ctx, req.Tool, policy, func(ctx context.Context) error {
			if limiter != nil && !limiter.Allow() {
				return resilience.ErrRateLimitExceeded
			}
			return e.breakers.Execute(ctx, req.Tool, func(ctx context.Context) error {
				return e.invokeHandler(ctx, req, &output)
			})
		})
		outcome.Lock()
		outcome.output, outcome.retries = output, retries
		outcome.Unlock()
		return attemptErr
	})

	outcome.Lock()
	output, retries := outcome.output, outcome.retries
	outcome.Unlock()

	t.done <- e.finish(ctx, req, output, retries, err, start)
}

// invokeHandler resolves and calls the tool, converting panics and
// opaque errors into tool execution failures.
func (e *Executor) invokeHandler(ctx context.Context, req *toolrun.Request, output *any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", toolrun.ErrToolExecution, r)
		}
	}()

	handler, err := e.handlers.Resolve(req.Tool)
	if err != nil {
		return err
	}

	out, err := handler.Invoke(ctx, req.Args)
	if err != nil {
		return fmt.Errorf("%w: %w", toolrun.ErrToolExecution, err)
	}
	*output = out
	return nil
}

// finish assembles the result and feeds stats, metrics, and logs.
func (e *Executor) finish(ctx context.Context, req *toolrun.Request, output any, retries int, err error, start time.Time) toolrun.Result {
	elapsed := time.Since(start)
	timedOut := errors.Is(err, toolrun.ErrTimeout)
	e.stats.recordCompletion(req.Tool, elapsed, err == nil, timedOut)
	e.metrics.RecordExecution(ctx, req.Tool, elapsed, err)
	if retries > 0 {
		e.metrics.RecordRetries(ctx, req.Tool, retries)
	}

	res := toolrun.Result{
		CorrelationID: req.CorrelationID,
		Tool:          req.Tool,
		Output:        output,
		Success:       err == nil,
		Elapsed:       elapsed,
		Retries:       retries,
	}
	if err != nil {
		res.Err = err.Error()
		e.logger.Warn(ctx, "request failed",
			observe.Field{Key: "tool", Value: req.Tool},
			observe.Field{Key: "correlation_id", Value: req.CorrelationID},
			observe.Field{Key: "error", Value: err.Error()},
			observe.Field{Key: "retries", Value: retries},
			observe.Field{Key: "elapsed", Value: elapsed.String()},
		)
		return res
	}

	e.logger.Debug(ctx, "request complete",
		observe.Field{Key: "tool", Value: req.Tool},
		observe.Field{Key: "correlation_id", Value: req.CorrelationID},
		observe.Field{Key: "elapsed", Value: elapsed.String()},
	)
	return res
}

// cacheLookup consults the response cache, decoding a hit's payload.
func (e *Executor) cacheLookup(ctx context.Context, req *toolrun.Request, key string) (any, bool) {
	if e.store.Strategies().For(req.Tool) == cache.NoCache {
		return nil, false
	}

	raw, ok := e.store.Get(ctx, key)
	e.metrics.RecordCacheLookup(ctx, req.Tool, ok)
	if !ok {
		return nil, false
	}

	var output any
	if err := json.Unmarshal(raw, &output); err != nil {
		// Undecodable entry: drop it and treat as a miss.
		_ = e.store.Delete(ctx, key)
		return nil, false
	}
	e.stats.recordCacheHit(req.Tool)
	return output, true
}

// cacheStore writes a successful result back, best-effort. Outputs
// that do not serialize are simply not cached.
func (e *Executor) cacheStore(ctx context.Context, req *toolrun.Request, key string, output any) {
	data, err := json.Marshal(output)
	if err != nil {
		return
	}
	_ = e.store.Set(ctx, key, req.Tool, data, cache.EntryOptions{Tags: req.CacheTags})
}

// wrapBreaker chains the executor's transition hook in front of any
// caller-supplied OnStateChange.
func (e *Executor) wrapBreaker(cfg resilience.BreakerConfig) resilience.BreakerConfig {
	userCallback := cfg.OnStateChange
	cfg.OnStateChange = func(target string, from, to resilience.State) {
		e.onBreakerTransition(target, from, to)
		if userCallback != nil {
			userCallback(target, from, to)
		}
	}
	return cfg
}

func (e *Executor) onBreakerTransition(target string, from, to resilience.State) {
	e.metrics.RecordBreakerTransition(context.Background(), target, from.String(), to.String())
	e.logger.Info(context.Background(), "circuit state change",
		observe.Field{Key: "target", Value: target},
		observe.Field{Key: "from", Value: from.String()},
		observe.Field{Key: "to", Value: to.String()},
	)
}

// estimateSize is the admission heuristic for a request's memory
// footprint: the serialized argument size with headroom for the
// handler's working set, floored at 4 KiB.
func estimateSize(req *toolrun.Request) int64 {
	const floor = 4 << 10
	data, err := json.Marshal(req.Args)
	if err != nil {
		return floor
	}
	size := int64(len(data)) * 8
	if size < floor {
		return floor
	}
	return size
}
