package health

import (
	"context"
	"strings"
	"testing"

	"github.com/jonwraymond/toolrun"
	"github.com/jonwraymond/toolrun/cache"
	"github.com/jonwraymond/toolrun/resilience"
	"github.com/jonwraymond/toolrun/scheduler"
)

type fakeBreakers map[string]resilience.Snapshot

func (f fakeBreakers) Snapshots() map[string]resilience.Snapshot { return f }

type fakeExecutor struct {
	stats      scheduler.ExecutorStats
	capacities [toolrun.NumPriorities]int
}

func (f *fakeExecutor) Stats() scheduler.Snapshot {
	return scheduler.Snapshot{Executor: f.stats}
}

func (f *fakeExecutor) QueueCapacities() [toolrun.NumPriorities]int {
	return f.capacities
}

type fakeCache cache.Stats

func (f fakeCache) Stats() cache.Stats { return cache.Stats(f) }

func TestBreakerChecker(t *testing.T) {
	tests := []struct {
		name     string
		breakers fakeBreakers
		want     Status
	}{
		{
			name:     "no breakers",
			breakers: fakeBreakers{},
			want:     StatusHealthy,
		},
		{
			name: "all closed",
			breakers: fakeBreakers{
				"search":  {Target: "search", State: resilience.StateClosed},
				"weather": {Target: "weather", State: resilience.StateClosed},
			},
			want: StatusHealthy,
		},
		{
			name: "half-open degrades",
			breakers: fakeBreakers{
				"search":  {Target: "search", State: resilience.StateClosed},
				"weather": {Target: "weather", State: resilience.StateHalfOpen},
			},
			want: StatusDegraded,
		},
		{
			name: "open fails",
			breakers: fakeBreakers{
				"search":  {Target: "search", State: resilience.StateOpen, Failures: 5},
				"weather": {Target: "weather", State: resilience.StateHalfOpen},
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewBreakerChecker(tt.breakers)
			result := checker.Check(context.Background())
			if result.Status != tt.want {
				t.Errorf("status = %v, want %v", result.Status, tt.want)
			}
			if len(result.Details) != len(tt.breakers) {
				t.Errorf("len(Details) = %d, want %d", len(result.Details), len(tt.breakers))
			}
		})
	}
}

func TestQueueChecker(t *testing.T) {
	capacities := [toolrun.NumPriorities]int{100, 200, 500, 200}

	tests := []struct {
		name   string
		depths [toolrun.NumPriorities]int
		want   Status
	}{
		{"empty", [toolrun.NumPriorities]int{}, StatusHealthy},
		{"moderate", [toolrun.NumPriorities]int{10, 50, 100, 20}, StatusHealthy},
		{"one queue warning", [toolrun.NumPriorities]int{85, 0, 0, 0}, StatusDegraded},
		{"one queue critical", [toolrun.NumPriorities]int{0, 0, 495, 0}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeExecutor{
				stats:      scheduler.ExecutorStats{QueueDepths: tt.depths},
				capacities: capacities,
			}
			checker := NewQueueChecker(source, QueueCheckerConfig{})
			result := checker.Check(context.Background())
			if result.Status != tt.want {
				t.Errorf("status = %v, want %v", result.Status, tt.want)
			}
		})
	}
}

func TestQueueChecker_NamesWorstQueue(t *testing.T) {
	source := &fakeExecutor{
		stats: scheduler.ExecutorStats{
			QueueDepths: [toolrun.NumPriorities]int{0, 190, 0, 0},
		},
		capacities: [toolrun.NumPriorities]int{100, 200, 500, 200},
	}
	checker := NewQueueChecker(source, QueueCheckerConfig{})

	result := checker.Check(context.Background())
	if !strings.Contains(result.Message, "high") {
		t.Errorf("message = %q, want mention of the high queue", result.Message)
	}
}

func TestMemoryChecker(t *testing.T) {
	tests := []struct {
		name    string
		inUse   int64
		ceiling int64
		want    Status
	}{
		{"idle", 0, 512 << 20, StatusHealthy},
		{"moderate", 100 << 20, 512 << 20, StatusHealthy},
		{"warning", 420 << 20, 512 << 20, StatusDegraded},
		{"critical", 510 << 20, 512 << 20, StatusUnhealthy},
		{"no ceiling reads healthy", 100 << 20, 0, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeExecutor{stats: scheduler.ExecutorStats{
				MemoryInUse:   tt.inUse,
				MemoryCeiling: tt.ceiling,
			}}
			checker := NewMemoryChecker(source, MemoryCheckerConfig{})
			result := checker.Check(context.Background())
			if result.Status != tt.want {
				t.Errorf("status = %v, want %v", result.Status, tt.want)
			}
		})
	}
}

func TestCacheChecker(t *testing.T) {
	tests := []struct {
		name   string
		hits   int64
		misses int64
		want   Status
	}{
		{"cold cache not judged", 0, 50, StatusHealthy},
		{"good hit rate", 500, 500, StatusHealthy},
		{"low hit rate degrades", 5, 995, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewCacheChecker(fakeCache{Hits: tt.hits, Misses: tt.misses}, CacheCheckerConfig{})
			result := checker.Check(context.Background())
			if result.Status != tt.want {
				t.Errorf("status = %v, want %v", result.Status, tt.want)
			}
		})
	}
}

func TestCheckersAgainstLiveExecutor(t *testing.T) {
	reg := toolrun.NewRegistry()
	echo := toolrun.HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return args, nil
	})
	if err := reg.Register("echo", echo); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	exec, err := scheduler.New(reg, scheduler.Config{})
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}
	t.Cleanup(exec.Close)

	res := exec.Submit(context.Background(), &toolrun.Request{
		Tool: "echo",
		Args: map[string]any{"q": "hello"},
	})
	if !res.Success {
		t.Fatalf("Submit() failed: %s", res.Err)
	}

	agg := NewAggregator()
	agg.Register("breakers", NewBreakerChecker(exec.Breakers()))
	agg.Register("queues", NewQueueChecker(exec, QueueCheckerConfig{}))
	agg.Register("memory", NewMemoryChecker(exec, MemoryCheckerConfig{}))
	agg.Register("cache", NewCacheChecker(exec.Cache(), CacheCheckerConfig{}))

	results := agg.CheckAll(context.Background())
	if got := agg.OverallStatus(results); got != StatusHealthy {
		for name, result := range results {
			t.Logf("%s: %s %s", name, result.Status, result.Message)
		}
		t.Errorf("OverallStatus() = %v, want healthy", got)
	}
}
