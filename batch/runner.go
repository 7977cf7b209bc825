package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/toolrun"
	"github.com/jonwraymond/toolrun/cache"
)

// Invoker executes a single request. The scheduler's executor is the
// production implementation; its pipeline provides caching, admission,
// circuit breaking, and retries.
type Invoker interface {
	Invoke(ctx context.Context, req *toolrun.Request) toolrun.Result
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req *toolrun.Request) toolrun.Result

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req *toolrun.Request) toolrun.Result {
	return f(ctx, req)
}

// Config configures a Runner.
type Config struct {
	// MaxParallel caps concurrent requests within one batch.
	// Default: 5
	MaxParallel int

	// RetryBaseDelay seeds the per-request backoff in retry-failures
	// mode. Default: 500ms
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the per-attempt backoff in retry-failures
	// mode. Default: 10s
	RetryMaxDelay time.Duration
}

// Summary aggregates the outcome of one batch.
type Summary struct {
	Results      []toolrun.Result
	SuccessCount int
	FailureCount int
	CachedCount  int
	Elapsed      time.Duration
}

// Runner plans and executes batches.
type Runner struct {
	invoker     Invoker
	keyer       cache.Keyer
	maxParallel int
	retryBase   time.Duration
	retryMax    time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a batch runner dispatching through invoker.
func NewRunner(invoker Invoker, keyer cache.Keyer, cfg Config) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if keyer == nil {
		keyer = cache.NewDefaultKeyer()
	}

	return &Runner{
		invoker:     invoker,
		keyer:       keyer,
		maxParallel: cfg.MaxParallel,
		retryBase:   cfg.RetryBaseDelay,
		retryMax:    cfg.RetryMaxDelay,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// run tracks the mutable state of one batch execution.
type run struct {
	runner  *Runner
	failure FailureMode

	mu      sync.Mutex
	results map[string]toolrun.Result // keyed by every member's ID
	failed  bool
}

// Run executes the batch and returns its summary. A dependency cycle
// fails the whole batch: every result carries the cycle error.
func (r *Runner) Run(ctx context.Context, reqs []*toolrun.Request, mode ExecutionMode, failure FailureMode) Summary {
	start := time.Now()

	// Work on copies so dedup's dependency merging never mutates
	// caller-owned requests.
	copies := make([]*toolrun.Request, len(reqs))
	for i, req := range reqs {
		c := *req
		copies[i] = (&c).Normalize()
	}

	groups := deduplicate(copies, r.keyer)
	state := &run{
		runner:  r,
		failure: failure,
		results: make(map[string]toolrun.Result, len(copies)),
	}

	switch mode {
	case ModeParallel:
		state.runParallel(ctx, groups)
	case ModeSequential:
		state.runSequential(ctx, groups)
	case ModeDependencyOrdered:
		state.runDependencyOrdered(ctx, copies, groups)
	default: // ModeHybrid
		state.runHybrid(ctx, copies, groups)
	}

	return state.summarize(copies, start)
}

// runParallel dispatches every group concurrently under the cap.
// Individual failures are captured, never aborting siblings.
func (s *run) runParallel(ctx context.Context, groups []*dedupGroup) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.runner.maxParallel)

	for _, group := range groups {
		g.Go(func() error {
			s.execute(ctx, group)
			return nil
		})
	}
	_ = g.Wait()
}

// runSequential dispatches one group at a time in submission order.
func (s *run) runSequential(ctx context.Context, groups []*dedupGroup) {
	for _, group := range groups {
		if s.failure == FailFast && s.hasFailed() {
			s.recordHalted(group)
			continue
		}
		s.execute(ctx, group)
	}
}

// runDependencyOrdered dispatches groups one at a time in topological
// order, gating each on its dependencies' terminal state.
func (s *run) runDependencyOrdered(ctx context.Context, reqs []*toolrun.Request, groups []*dedupGroup) {
	g, byID, err := groupGraph(reqs, groups)
	if err != nil {
		s.recordCycle(groups, err)
		return
	}

	order, err := g.topoOrder(representatives(groups))
	if err != nil {
		s.recordCycle(groups, err)
		return
	}

	for _, id := range order {
		group := byID[id]
		if !s.gateSatisfied(group) {
			s.recordUnsatisfied(group)
			continue
		}
		if s.failure == FailFast && s.hasFailed() {
			s.recordHalted(group)
			continue
		}
		s.execute(ctx, group)
	}
}

// runHybrid groups requests into dependency levels and runs each level
// fully parallel. FailFast halts subsequent levels, never the current
// one.
func (s *run) runHybrid(ctx context.Context, reqs []*toolrun.Request, groups []*dedupGroup) {
	graph, byID, err := groupGraph(reqs, groups)
	if err != nil {
		s.recordCycle(groups, err)
		return
	}

	levels, err := graph.levels(representatives(groups))
	if err != nil {
		s.recordCycle(groups, err)
		return
	}

	halted := false
	for _, level := range levels {
		if halted {
			for _, id := range level {
				s.recordHalted(byID[id])
			}
			continue
		}

		g, levelCtx := errgroup.WithContext(ctx)
		g.SetLimit(s.runner.maxParallel)
		for _, id := range level {
			group := byID[id]
			if !s.gateSatisfied(group) {
				s.recordUnsatisfied(group)
				continue
			}
			g.Go(func() error {
				s.execute(levelCtx, group)
				return nil
			})
		}
		_ = g.Wait()

		if s.failure == FailFast && s.hasFailed() {
			halted = true
		}
	}
}

// execute invokes the group's representative, applying retry-failures
// backoff when configured, and records the fanned-out results.
func (s *run) execute(ctx context.Context, group *dedupGroup) {
	rep := group.representative
	res := s.runner.invoker.Invoke(ctx, rep)

	if s.failure == FailRetry && !res.Success {
		retries := 0
		for attempt := 1; attempt <= rep.MaxRetries && !res.Success; attempt++ {
			delay := s.runner.retryBase << (attempt - 1)
			if delay > s.runner.retryMax {
				delay = s.runner.retryMax
			}
			if err := s.runner.sleep(ctx, delay); err != nil {
				break
			}
			retries++
			res = s.runner.invoker.Invoke(ctx, rep)
		}
		res.Retries += retries
	}

	s.record(group, res)
}

func (s *run) record(group *dedupGroup, res toolrun.Result) {
	fanned := group.fanOut(res)

	s.mu.Lock()
	for _, r := range fanned {
		s.results[r.CorrelationID] = r
	}
	if !res.Success {
		s.failed = true
	}
	s.mu.Unlock()
}

func (s *run) recordHalted(group *dedupGroup) {
	s.record(group, toolrun.Result{
		Tool:    group.representative.Tool,
		Success: false,
		Err:     "batch halted: fail-fast after earlier failure",
	})
}

func (s *run) recordUnsatisfied(group *dedupGroup) {
	s.record(group, toolrun.Result{
		Tool:    group.representative.Tool,
		Success: false,
		Err:     toolrun.ErrDependencyUnsatisfied.Error(),
	})
}

func (s *run) recordCycle(groups []*dedupGroup, err error) {
	for _, group := range groups {
		s.record(group, toolrun.Result{
			Tool:    group.representative.Tool,
			Success: false,
			Err:     err.Error(),
		})
	}
}

// gateSatisfied reports whether every declared dependency of every
// member reached a successful terminal state.
func (s *run) gateSatisfied(group *dedupGroup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range group.representative.DependsOn {
		res, ok := s.results[dep]
		if !ok || !res.Success {
			return false
		}
	}
	return true
}

func (s *run) hasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// summarize assembles results in original submission order.
func (s *run) summarize(reqs []*toolrun.Request, start time.Time) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := Summary{
		Results: make([]toolrun.Result, 0, len(reqs)),
		Elapsed: time.Since(start),
	}
	for _, req := range reqs {
		res, ok := s.results[req.CorrelationID]
		if !ok {
			res = toolrun.Failed(req, toolrun.ErrDependencyUnsatisfied)
		}
		summary.Results = append(summary.Results, res)
		if res.Success {
			summary.SuccessCount++
			if res.Cached {
				summary.CachedCount++
			}
		} else {
			summary.FailureCount++
		}
	}
	return summary
}

// groupGraph builds the dependency graph over deduplicated groups.
// Dependencies naming a merged member are redirected to that member's
// representative so ordering survives deduplication.
func groupGraph(reqs []*toolrun.Request, groups []*dedupGroup) (*graph, map[string]*dedupGroup, error) {
	alias := make(map[string]string, len(reqs))
	byID := make(map[string]*dedupGroup, len(groups))
	for _, group := range groups {
		byID[group.representative.CorrelationID] = group
		for _, member := range group.members {
			alias[member.CorrelationID] = group.representative.CorrelationID
		}
	}

	reps := representatives(groups)
	for _, rep := range reps {
		deps := rep.DependsOn[:0]
		for _, dep := range rep.DependsOn {
			if target, ok := alias[dep]; ok {
				dep = target
			}
			// A dependency merged into this group is satisfied by the
			// group's own execution; keeping it would gate the group on
			// a result that can never exist.
			if dep == rep.CorrelationID {
				continue
			}
			deps = append(deps, dep)
		}
		rep.DependsOn = deps
	}

	return buildGraph(reps), byID, nil
}

func representatives(groups []*dedupGroup) []*toolrun.Request {
	reps := make([]*toolrun.Request, 0, len(groups))
	for _, group := range groups {
		reps = append(reps, group.representative)
	}
	return reps
}
