package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/toolrun"
	"github.com/jonwraymond/toolrun/batch"
	"github.com/jonwraymond/toolrun/observe"
	"github.com/jonwraymond/toolrun/resilience"
)

func newTestExecutor(t *testing.T, handlers *toolrun.Registry, cfg Config) *Executor {
	t.Helper()
	e, err := New(handlers, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func echoRegistry(t *testing.T) *toolrun.Registry {
	t.Helper()
	handlers := toolrun.NewRegistry()
	err := handlers.Register("echo", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["value"], nil
		}))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return handlers
}

func TestExecutor_SubmitSuccess(t *testing.T) {
	e := newTestExecutor(t, echoRegistry(t), Config{})

	res := e.Submit(context.Background(), &toolrun.Request{
		Tool: "echo",
		Args: map[string]any{"value": "hello"},
	})

	if !res.Success {
		t.Fatalf("Submit() failed: %s", res.Err)
	}
	if res.Output != "hello" {
		t.Errorf("Output = %v, want %q", res.Output, "hello")
	}
	if res.CorrelationID == "" {
		t.Error("CorrelationID not assigned")
	}
	if res.Cached {
		t.Error("first submission reported as cached")
	}
}

func TestExecutor_SubmitUnknownTool(t *testing.T) {
	e := newTestExecutor(t, toolrun.NewRegistry(), Config{})

	res := e.Submit(context.Background(), &toolrun.Request{Tool: "nope"})
	if res.Success {
		t.Fatal("Submit() succeeded for unregistered tool")
	}
	if !strings.Contains(res.Err, "unknown tool") {
		t.Errorf("Err = %q, want unknown tool", res.Err)
	}
}

func TestExecutor_CacheHitSkipsExecution(t *testing.T) {
	var invocations atomic.Int64
	handlers := toolrun.NewRegistry()
	handlers.Register("count", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			invocations.Add(1)
			return "payload", nil
		}))

	e := newTestExecutor(t, handlers, Config{})
	req := &toolrun.Request{Tool: "count", Args: map[string]any{"q": "x"}}

	first := e.Submit(context.Background(), req)
	second := e.Submit(context.Background(), req)

	if !first.Success || !second.Success {
		t.Fatalf("results = %s / %s", first.Err, second.Err)
	}
	if !second.Cached {
		t.Error("second submission not served from cache")
	}
	if second.Output != "payload" {
		t.Errorf("cached Output = %v, want %q", second.Output, "payload")
	}
	if got := invocations.Load(); got != 1 {
		t.Errorf("handler invocations = %d, want 1", got)
	}
}

func TestExecutor_SingleflightCollapsesConcurrentCalls(t *testing.T) {
	var invocations atomic.Int64
	release := make(chan struct{})
	handlers := toolrun.NewRegistry()
	handlers.Register("slow", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			invocations.Add(1)
			<-release
			return "done", nil
		}))

	e := newTestExecutor(t, handlers, Config{})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]toolrun.Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.Submit(context.Background(), &toolrun.Request{
				Tool: "slow",
				Args: map[string]any{"q": "same"},
			})
		}()
	}

	// Let every caller reach the flight group before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := invocations.Load(); got != 1 {
		t.Errorf("handler invocations = %d, want 1", got)
	}
	ids := make(map[string]bool)
	for _, res := range results {
		if !res.Success {
			t.Errorf("result failed: %s", res.Err)
		}
		if ids[res.CorrelationID] {
			t.Errorf("correlation ID %s shared between callers", res.CorrelationID)
		}
		ids[res.CorrelationID] = true
	}
}

func TestExecutor_TimeoutFailsRequest(t *testing.T) {
	handlers := toolrun.NewRegistry()
	handlers.Register("stuck", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		}))

	e := newTestExecutor(t, handlers, Config{
		Retry: resilience.Policy{MaxAttempts: 1},
	})

	start := time.Now()
	res := e.Submit(context.Background(), &toolrun.Request{
		Tool:    "stuck",
		Timeout: 30 * time.Millisecond,
	})

	if res.Success {
		t.Fatal("Submit() succeeded, want timeout")
	}
	if !strings.Contains(res.Err, "timed out") {
		t.Errorf("Err = %q, want timeout", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timed-out request took %v, worker appears wedged", elapsed)
	}
}

func TestExecutor_RetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int64
	handlers := toolrun.NewRegistry()
	handlers.Register("flaky", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return "recovered", nil
		}))

	e := newTestExecutor(t, handlers, Config{
		Retry: resilience.Policy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			Strategy:    resilience.BackoffFixed,
		},
	})

	res := e.Submit(context.Background(), &toolrun.Request{Tool: "flaky"})
	if !res.Success {
		t.Fatalf("Submit() failed: %s", res.Err)
	}
	if res.Retries != 2 {
		t.Errorf("Retries = %d, want 2", res.Retries)
	}
	if res.Output != "recovered" {
		t.Errorf("Output = %v, want %q", res.Output, "recovered")
	}
}

func TestExecutor_BreakerOpensAndFailsFast(t *testing.T) {
	handlers := toolrun.NewRegistry()
	handlers.Register("down", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend down")
		}))

	e := newTestExecutor(t, handlers, Config{
		Retry:   resilience.Policy{MaxAttempts: 1},
		Breaker: resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour},
	})

	for i := 0; i < 2; i++ {
		res := e.Submit(context.Background(), &toolrun.Request{
			Tool: "down",
			Args: map[string]any{"n": i},
		})
		if res.Success {
			t.Fatalf("submission %d unexpectedly succeeded", i)
		}
	}

	if state := e.Breakers().Get("down").State(); state != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	res := e.Submit(context.Background(), &toolrun.Request{
		Tool: "down",
		Args: map[string]any{"n": 99},
	})
	if !strings.Contains(res.Err, "circuit breaker is open") {
		t.Errorf("Err = %q, want circuit open", res.Err)
	}
	if res.Retries != 0 {
		t.Errorf("Retries = %d, want 0 when the breaker is open", res.Retries)
	}
}

func TestExecutor_RateLimitRejectsExcess(t *testing.T) {
	e := newTestExecutor(t, echoRegistry(t), Config{
		Retry:     resilience.Policy{MaxAttempts: 1},
		RateLimit: &resilience.RateLimiterConfig{Rate: 0.1, Burst: 1},
	})

	first := e.Submit(context.Background(), &toolrun.Request{
		Tool: "echo",
		Args: map[string]any{"value": 1},
	})
	if !first.Success {
		t.Fatalf("first submission failed: %s", first.Err)
	}

	second := e.Submit(context.Background(), &toolrun.Request{
		Tool: "echo",
		Args: map[string]any{"value": 2},
	})
	if second.Success {
		t.Fatal("second submission succeeded past an exhausted rate limit")
	}
	if !strings.Contains(second.Err, resilience.ErrRateLimitExceeded.Error()) {
		t.Errorf("Err = %q, want rate limit exceeded", second.Err)
	}
}

func TestExecutor_BreakerOverridePerTool(t *testing.T) {
	handlers := toolrun.NewRegistry()
	fail := toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend down")
		})
	handlers.Register("fragile", fail)
	handlers.Register("sturdy", fail)

	e := newTestExecutor(t, handlers, Config{
		Retry:   resilience.Policy{MaxAttempts: 1},
		Breaker: resilience.BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Hour},
		BreakerOverrides: map[string]resilience.BreakerConfig{
			"fragile": {FailureThreshold: 1, RecoveryTimeout: time.Hour},
		},
	})

	e.Submit(context.Background(), &toolrun.Request{Tool: "fragile"})
	e.Submit(context.Background(), &toolrun.Request{Tool: "sturdy"})

	if state := e.Breakers().Get("fragile").State(); state != resilience.StateOpen {
		t.Errorf("overridden breaker state = %v, want open after one failure", state)
	}
	if state := e.Breakers().Get("sturdy").State(); state != resilience.StateClosed {
		t.Errorf("default breaker state = %v, want closed under threshold", state)
	}
}

func TestExecutor_MemoryCeilingRejects(t *testing.T) {
	e := newTestExecutor(t, echoRegistry(t), Config{
		MemoryCeilingBytes: 1, // below the admission floor
	})

	res := e.Submit(context.Background(), &toolrun.Request{
		Tool: "echo",
		Args: map[string]any{"value": "x"},
	})
	if res.Success {
		t.Fatal("Submit() succeeded past an exhausted memory budget")
	}
	if !strings.Contains(res.Err, "memory budget exhausted") {
		t.Errorf("Err = %q, want memory budget exhausted", res.Err)
	}
}

func TestExecutor_HandlerPanicBecomesFailedResult(t *testing.T) {
	handlers := toolrun.NewRegistry()
	handlers.Register("bomb", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			panic("kaboom")
		}))

	e := newTestExecutor(t, handlers, Config{
		Retry: resilience.Policy{MaxAttempts: 1},
	})

	res := e.Submit(context.Background(), &toolrun.Request{Tool: "bomb"})
	if res.Success {
		t.Fatal("Submit() succeeded for panicking handler")
	}
	if !strings.Contains(res.Err, "panic") {
		t.Errorf("Err = %q, want panic detail", res.Err)
	}

	// The scheduler survives: later submissions still work.
	handlers.Register("echo", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["value"], nil
		}))
	if res := e.Submit(context.Background(), &toolrun.Request{
		Tool: "echo", Args: map[string]any{"value": 1},
	}); !res.Success {
		t.Errorf("executor unusable after handler panic: %s", res.Err)
	}
}

func TestExecutor_SubmitBatchChain(t *testing.T) {
	var mu sync.Mutex
	var order []string
	handlers := toolrun.NewRegistry()
	handlers.Register("step", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			mu.Lock()
			order = append(order, args["name"].(string))
			mu.Unlock()
			return args["name"], nil
		}))

	e := newTestExecutor(t, handlers, Config{})

	reqs := []*toolrun.Request{
		{Tool: "step", Args: map[string]any{"name": "a"}, CorrelationID: "a"},
		{Tool: "step", Args: map[string]any{"name": "b"}, CorrelationID: "b", DependsOn: []string{"a"}},
		{Tool: "step", Args: map[string]any{"name": "c"}, CorrelationID: "c", DependsOn: []string{"b"}},
	}

	summary := e.SubmitBatch(context.Background(), reqs, batch.ModeHybrid, batch.FailContinue)
	if summary.SuccessCount != 3 {
		t.Fatalf("SuccessCount = %d, want 3: %+v", summary.SuccessCount, summary.Results)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("execution order = %v, want [a b c]", order)
	}
}

func TestExecutor_StatsTracksOutcomes(t *testing.T) {
	handlers := echoRegistry(t)
	handlers.Register("fail", toolrun.HandlerFunc(
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("nope")
		}))

	e := newTestExecutor(t, handlers, Config{
		Retry: resilience.Policy{MaxAttempts: 1},
	})

	e.Submit(context.Background(), &toolrun.Request{Tool: "echo", Args: map[string]any{"value": 1}})
	e.Submit(context.Background(), &toolrun.Request{Tool: "echo", Args: map[string]any{"value": 1}}) // cache hit
	e.Submit(context.Background(), &toolrun.Request{Tool: "fail"})

	stats := e.Stats()
	if stats.Executor.Submitted != 3 {
		t.Errorf("Submitted = %d, want 3", stats.Executor.Submitted)
	}
	if stats.Executor.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", stats.Executor.Succeeded)
	}
	if stats.Executor.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Executor.Failed)
	}
	if stats.Executor.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", stats.Executor.CacheHits)
	}
	if stats.Executor.PerTool["echo"] != 2 {
		t.Errorf("PerTool[echo] = %d, want 2", stats.Executor.PerTool["echo"])
	}
	if stats.Cache.Hits != 1 {
		t.Errorf("cache stats Hits = %d, want 1", stats.Cache.Hits)
	}
	if _, ok := stats.Retry["fail"]; !ok {
		t.Error("retry stats missing for failed tool")
	}
	if _, ok := stats.Breakers["fail"]; !ok {
		t.Error("breaker snapshot missing for failed tool")
	}
}

type depthRecordingMetrics struct {
	observe.Metrics
	mu     sync.Mutex
	depths map[string]int
}

func (m *depthRecordingMetrics) RecordQueueDepth(_ context.Context, priority string, depth int) {
	m.mu.Lock()
	m.depths[priority] = depth
	m.mu.Unlock()
}

func TestExecutor_StatsGaugesQueueDepths(t *testing.T) {
	metrics := &depthRecordingMetrics{
		Metrics: observe.NopMetrics(),
		depths:  make(map[string]int),
	}
	e := newTestExecutor(t, echoRegistry(t), Config{Metrics: metrics})

	e.Stats()

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	for p := toolrun.PriorityCritical; p < toolrun.NumPriorities; p++ {
		if _, ok := metrics.depths[p.String()]; !ok {
			t.Errorf("no depth gauged for %s queue", p)
		}
	}
}

func TestExecutor_SubmitAfterClose(t *testing.T) {
	e, err := New(echoRegistry(t), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.Close()

	res := e.Submit(context.Background(), &toolrun.Request{
		Tool: "echo",
		Args: map[string]any{"value": "late"},
	})
	if res.Success {
		t.Fatal("Submit() succeeded after Close")
	}
	if !strings.Contains(res.Err, "executor closed") {
		t.Errorf("Err = %q, want executor closed", res.Err)
	}
}

func TestExecutor_ReconfigureKeepsServing(t *testing.T) {
	e := newTestExecutor(t, echoRegistry(t), Config{MaxConcurrent: 2})

	e.Reconfigure(Config{
		MaxConcurrent:      8,
		MemoryCeilingBytes: 256 << 20,
		Retry:              resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})

	res := e.Submit(context.Background(), &toolrun.Request{
		Tool: "echo",
		Args: map[string]any{"value": "still here"},
	})
	if !res.Success {
		t.Fatalf("Submit() after Reconfigure failed: %s", res.Err)
	}
}

func TestExecutor_ConcurrentSubmissions(t *testing.T) {
	e := newTestExecutor(t, echoRegistry(t), Config{MaxConcurrent: 4})

	const n = 40
	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.Submit(context.Background(), &toolrun.Request{
				Tool:     "echo",
				Args:     map[string]any{"value": i},
				Priority: toolrun.Priority(i % toolrun.NumPriorities),
			})
			if !res.Success {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := failures.Load(); got != 0 {
		t.Errorf("%d of %d concurrent submissions failed", got, n)
	}
}
