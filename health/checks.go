package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/toolrun"
	"github.com/jonwraymond/toolrun/cache"
	"github.com/jonwraymond/toolrun/resilience"
	"github.com/jonwraymond/toolrun/scheduler"
)

// BreakerStates is the view of a circuit breaker registry the breaker
// checker needs. *resilience.Registry satisfies it.
type BreakerStates interface {
	Snapshots() map[string]resilience.Snapshot
}

// BreakerChecker reports on circuit breaker states: any open breaker
// makes the check unhealthy, any half-open breaker degrades it.
type BreakerChecker struct {
	breakers BreakerStates
}

// NewBreakerChecker builds a checker over the given registry.
func NewBreakerChecker(breakers BreakerStates) *BreakerChecker {
	return &BreakerChecker{breakers: breakers}
}

// Name identifies this checker.
func (c *BreakerChecker) Name() string { return "breakers" }

// Check inspects every breaker's state.
func (c *BreakerChecker) Check(ctx context.Context) Result {
	snapshots := c.breakers.Snapshots()

	var open, halfOpen []string
	details := make(map[string]any, len(snapshots))
	for target, snap := range snapshots {
		details[target] = map[string]any{
			"state":    snap.State.String(),
			"failures": snap.Failures,
		}
		switch snap.State {
		case resilience.StateOpen:
			open = append(open, target)
		case resilience.StateHalfOpen:
			halfOpen = append(halfOpen, target)
		}
	}

	switch {
	case len(open) > 0:
		return Unhealthy(
			fmt.Sprintf("%d of %d breakers open", len(open), len(snapshots)),
			ErrCheckFailed,
		).WithDetails(details)
	case len(halfOpen) > 0:
		return Degraded(
			fmt.Sprintf("%d of %d breakers half-open", len(halfOpen), len(snapshots)),
		).WithDetails(details)
	default:
		return Healthy(
			fmt.Sprintf("all %d breakers closed", len(snapshots)),
		).WithDetails(details)
	}
}

// ExecutorSource is the view of the executor the queue and memory
// checkers need. *scheduler.Executor satisfies it.
type ExecutorSource interface {
	Stats() scheduler.Snapshot
	QueueCapacities() [toolrun.NumPriorities]int
}

// QueueCheckerConfig sets the saturation thresholds for QueueChecker.
type QueueCheckerConfig struct {
	// WarnRatio degrades the check when any queue's depth reaches this
	// fraction of its capacity. Default 0.8.
	WarnRatio float64

	// CriticalRatio fails the check. Default 0.95.
	CriticalRatio float64
}

// QueueChecker reports priority queue saturation. A full queue means
// new submissions at that priority are being rejected.
type QueueChecker struct {
	source ExecutorSource
	config QueueCheckerConfig
}

// NewQueueChecker builds a checker over the executor's queues.
func NewQueueChecker(source ExecutorSource, config QueueCheckerConfig) *QueueChecker {
	if config.WarnRatio <= 0 || config.WarnRatio >= 1 {
		config.WarnRatio = 0.8
	}
	if config.CriticalRatio <= config.WarnRatio || config.CriticalRatio > 1 {
		config.CriticalRatio = 0.95
	}
	return &QueueChecker{source: source, config: config}
}

// Name identifies this checker.
func (c *QueueChecker) Name() string { return "queues" }

// Check compares each queue's depth against its capacity.
func (c *QueueChecker) Check(ctx context.Context) Result {
	stats := c.source.Stats().Executor
	capacities := c.source.QueueCapacities()

	worst := 0.0
	worstLevel := toolrun.PriorityCritical
	details := make(map[string]any, toolrun.NumPriorities+1)
	for p := toolrun.PriorityCritical; p <= toolrun.PriorityLow; p++ {
		depth := stats.QueueDepths[p]
		capacity := capacities[p]
		ratio := 0.0
		if capacity > 0 {
			ratio = float64(depth) / float64(capacity)
		}
		details[p.String()] = map[string]any{
			"depth":    depth,
			"capacity": capacity,
		}
		if ratio > worst {
			worst = ratio
			worstLevel = p
		}
	}
	details["rejections"] = stats.QueueRejections

	switch {
	case worst >= c.config.CriticalRatio:
		return Unhealthy(
			fmt.Sprintf("%s queue at %.0f%% capacity", worstLevel, worst*100),
			ErrCheckFailed,
		).WithDetails(details)
	case worst >= c.config.WarnRatio:
		return Degraded(
			fmt.Sprintf("%s queue at %.0f%% capacity", worstLevel, worst*100),
		).WithDetails(details)
	default:
		return Healthy("queues have headroom").WithDetails(details)
	}
}

// MemoryCheckerConfig sets the pressure thresholds for MemoryChecker.
type MemoryCheckerConfig struct {
	// WarnRatio degrades the check when reserved memory reaches this
	// fraction of the admission ceiling. Default 0.8.
	WarnRatio float64

	// CriticalRatio fails the check. Default 0.95.
	CriticalRatio float64
}

// MemoryChecker reports pressure on the executor's admission memory
// budget. Near the ceiling, large requests start being rejected.
type MemoryChecker struct {
	source ExecutorSource
	config MemoryCheckerConfig
}

// NewMemoryChecker builds a checker over the executor's memory budget.
func NewMemoryChecker(source ExecutorSource, config MemoryCheckerConfig) *MemoryChecker {
	if config.WarnRatio <= 0 || config.WarnRatio >= 1 {
		config.WarnRatio = 0.8
	}
	if config.CriticalRatio <= config.WarnRatio || config.CriticalRatio > 1 {
		config.CriticalRatio = 0.95
	}
	return &MemoryChecker{source: source, config: config}
}

// Name identifies this checker.
func (c *MemoryChecker) Name() string { return "memory" }

// Check compares reserved memory against the ceiling.
func (c *MemoryChecker) Check(ctx context.Context) Result {
	stats := c.source.Stats().Executor

	ratio := 0.0
	if stats.MemoryCeiling > 0 {
		ratio = float64(stats.MemoryInUse) / float64(stats.MemoryCeiling)
	}

	details := map[string]any{
		"in_use_bytes":  stats.MemoryInUse,
		"ceiling_bytes": stats.MemoryCeiling,
		"in_flight":     stats.InFlight,
	}

	switch {
	case ratio >= c.config.CriticalRatio:
		return Unhealthy(
			fmt.Sprintf("memory budget at %.0f%%", ratio*100),
			ErrCheckFailed,
		).WithDetails(details)
	case ratio >= c.config.WarnRatio:
		return Degraded(
			fmt.Sprintf("memory budget at %.0f%%", ratio*100),
		).WithDetails(details)
	default:
		return Healthy(
			fmt.Sprintf("memory budget at %.0f%%", ratio*100),
		).WithDetails(details)
	}
}

// CacheStats is the view of the response cache the cache checker
// needs. *cache.Store satisfies it.
type CacheStats interface {
	Stats() cache.Stats
}

// CacheCheckerConfig sets the effectiveness thresholds for
// CacheChecker.
type CacheCheckerConfig struct {
	// MinHitRate degrades the check when the hit rate falls below it.
	// Default 0.1.
	MinHitRate float64

	// MinSamples is the lookup count below which the hit rate is not
	// judged. Default 100.
	MinSamples int64
}

// CacheChecker reports on response cache effectiveness. A persistently
// low hit rate usually means keys churn faster than entries live, so
// the cache spends memory without saving work.
type CacheChecker struct {
	store  CacheStats
	config CacheCheckerConfig
}

// NewCacheChecker builds a checker over the response cache.
func NewCacheChecker(store CacheStats, config CacheCheckerConfig) *CacheChecker {
	if config.MinHitRate <= 0 || config.MinHitRate >= 1 {
		config.MinHitRate = 0.1
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 100
	}
	return &CacheChecker{store: store, config: config}
}

// Name identifies this checker.
func (c *CacheChecker) Name() string { return "cache" }

// Check judges the hit rate once enough lookups accumulated.
func (c *CacheChecker) Check(ctx context.Context) Result {
	stats := c.store.Stats()

	lookups := stats.Hits + stats.Misses
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(stats.Hits) / float64(lookups)
	}

	details := map[string]any{
		"hits":              stats.Hits,
		"misses":            stats.Misses,
		"evictions":         stats.Evictions,
		"entries":           stats.Entries,
		"bytes":             stats.Bytes,
		"compression_ratio": stats.CompressionRatio,
	}

	if lookups < c.config.MinSamples {
		return Healthy("too few lookups to judge").WithDetails(details)
	}
	if hitRate < c.config.MinHitRate {
		return Degraded(
			fmt.Sprintf("hit rate %.1f%% below %.1f%%", hitRate*100, c.config.MinHitRate*100),
		).WithDetails(details)
	}
	return Healthy(
		fmt.Sprintf("hit rate %.1f%%", hitRate*100),
	).WithDetails(details)
}
