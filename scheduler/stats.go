package scheduler

import (
	"sync"
	"time"

	"github.com/jonwraymond/toolrun"
	"github.com/jonwraymond/toolrun/cache"
	"github.com/jonwraymond/toolrun/resilience"
)

// latencyWindow bounds the rolling mean latency window.
const latencyWindow = 128

// ExecutorStats are aggregate counters for the executor.
type ExecutorStats struct {
	Submitted       int64
	Completed       int64
	Succeeded       int64
	Failed          int64
	CacheHits       int64
	Deduplicated    int64
	QueueRejections int64
	Timeouts        int64

	// MeanLatency is the rolling mean over the most recent completions.
	MeanLatency time.Duration

	InFlight      int64
	MemoryInUse   int64
	MemoryCeiling int64

	QueueDepths [toolrun.NumPriorities]int
	PerTool     map[string]int64
}

// Snapshot bundles the executor's own counters with its collaborators'.
type Snapshot struct {
	Executor ExecutorStats
	Cache    cache.Stats
	Breakers map[string]resilience.Snapshot
	Retry    map[string]resilience.ServiceStats
}

// statsCollector accumulates executor counters.
type statsCollector struct {
	mu sync.Mutex

	submitted       int64
	completed       int64
	succeeded       int64
	failed          int64
	cacheHits       int64
	deduplicated    int64
	queueRejections int64
	timeouts        int64

	latencies [latencyWindow]time.Duration
	latencyN  int
	latencyAt int

	perTool map[string]int64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{perTool: make(map[string]int64)}
}

func (s *statsCollector) recordSubmit() {
	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()
}

func (s *statsCollector) recordRejection() {
	s.mu.Lock()
	s.queueRejections++
	s.mu.Unlock()
}

func (s *statsCollector) recordCacheHit(tool string) {
	s.mu.Lock()
	s.cacheHits++
	s.perTool[tool]++
	s.mu.Unlock()
}

func (s *statsCollector) recordDedup() {
	s.mu.Lock()
	s.deduplicated++
	s.mu.Unlock()
}

func (s *statsCollector) recordCompletion(tool string, elapsed time.Duration, success, timedOut bool) {
	s.mu.Lock()
	s.completed++
	if success {
		s.succeeded++
	} else {
		s.failed++
	}
	if timedOut {
		s.timeouts++
	}
	s.perTool[tool]++

	s.latencies[s.latencyAt] = elapsed
	s.latencyAt = (s.latencyAt + 1) % latencyWindow
	if s.latencyN < latencyWindow {
		s.latencyN++
	}
	s.mu.Unlock()
}

func (s *statsCollector) snapshot() ExecutorStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum time.Duration
	for i := 0; i < s.latencyN; i++ {
		sum += s.latencies[i]
	}
	var mean time.Duration
	if s.latencyN > 0 {
		mean = sum / time.Duration(s.latencyN)
	}

	perTool := make(map[string]int64, len(s.perTool))
	for tool, n := range s.perTool {
		perTool[tool] = n
	}

	return ExecutorStats{
		Submitted:       s.submitted,
		Completed:       s.completed,
		Succeeded:       s.succeeded,
		Failed:          s.failed,
		CacheHits:       s.cacheHits,
		Deduplicated:    s.deduplicated,
		QueueRejections: s.queueRejections,
		Timeouts:        s.timeouts,
		MeanLatency:     mean,
		PerTool:         perTool,
	}
}
