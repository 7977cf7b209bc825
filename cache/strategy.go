package cache

import (
	"sync"
	"time"
)

// Strategy selects the TTL behavior for a tool's cached responses.
type Strategy int

const (
	// NoCache disables caching for the tool.
	NoCache Strategy = iota
	// ShortTerm caches for 5 minutes.
	ShortTerm
	// MediumTerm caches for 30 minutes.
	MediumTerm
	// LongTerm caches for 2 hours.
	LongTerm
	// Persistent never expires; entries leave only via invalidation or
	// LRU eviction.
	Persistent
	// Intelligent derives the TTL from the observed access pattern:
	// twice the mean interval between accesses over the trailing hour,
	// clamped to [1 minute, 1 hour].
	Intelligent
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case NoCache:
		return "no-cache"
	case ShortTerm:
		return "short-term"
	case MediumTerm:
		return "medium-term"
	case LongTerm:
		return "long-term"
	case Persistent:
		return "persistent"
	case Intelligent:
		return "intelligent"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy name. Unknown names map to NoCache.
func ParseStrategy(s string) Strategy {
	switch s {
	case "short-term":
		return ShortTerm
	case "medium-term":
		return MediumTerm
	case "long-term":
		return LongTerm
	case "persistent":
		return Persistent
	case "intelligent":
		return Intelligent
	default:
		return NoCache
	}
}

// Fixed TTLs per strategy.
const (
	shortTermTTL  = 5 * time.Minute
	mediumTermTTL = 30 * time.Minute
	longTermTTL   = 2 * time.Hour

	// Intelligent TTL bounds and defaults.
	intelligentMinTTL     = time.Minute
	intelligentMaxTTL     = time.Hour
	intelligentDefaultTTL = shortTermTTL
	intelligentWindow     = time.Hour
)

// baseTTL returns the fixed TTL for s, or 0 for Persistent (no expiry)
// and NoCache.
func (s Strategy) baseTTL() time.Duration {
	switch s {
	case ShortTerm:
		return shortTermTTL
	case MediumTerm:
		return mediumTermTTL
	case LongTerm:
		return longTermTTL
	default:
		return 0
	}
}

// accessRingSize bounds the per-entry access history. The window is an
// hour; more samples than this add nothing to the mean.
const accessRingSize = 32

// accessRing is a fixed-size ring of access timestamps guarding the
// adaptive TTL computation against unbounded growth.
type accessRing struct {
	mu    sync.Mutex
	times [accessRingSize]time.Time
	next  int
	count int
}

// record appends an access timestamp, overwriting the oldest.
func (r *accessRing) record(t time.Time) {
	r.mu.Lock()
	r.times[r.next] = t
	r.next = (r.next + 1) % accessRingSize
	if r.count < accessRingSize {
		r.count++
	}
	r.mu.Unlock()
}

// ttl computes the intelligent TTL: 2x the mean interval between
// recorded accesses inside the trailing window, clamped. With fewer
// than two accesses in the window it falls back to the default.
func (r *accessRing) ttl(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-intelligentWindow)
	recent := make([]time.Time, 0, r.count)
	for i := 0; i < r.count; i++ {
		t := r.times[i]
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) < 2 {
		return intelligentDefaultTTL
	}

	// Ring order is not chronological once it wraps.
	minT, maxT := recent[0], recent[0]
	for _, t := range recent[1:] {
		if t.Before(minT) {
			minT = t
		}
		if t.After(maxT) {
			maxT = t
		}
	}

	mean := maxT.Sub(minT) / time.Duration(len(recent)-1)
	ttl := 2 * mean
	if ttl < intelligentMinTTL {
		ttl = intelligentMinTTL
	}
	if ttl > intelligentMaxTTL {
		ttl = intelligentMaxTTL
	}
	return ttl
}

// StrategyTable maps tool names to caching strategies.
type StrategyTable struct {
	mu       sync.RWMutex
	byTool   map[string]Strategy
	fallback Strategy
}

// NewStrategyTable creates a table with the given default strategy.
func NewStrategyTable(fallback Strategy) *StrategyTable {
	return &StrategyTable{
		byTool:   make(map[string]Strategy),
		fallback: fallback,
	}
}

// Set binds a tool name to a strategy.
func (t *StrategyTable) Set(tool string, s Strategy) {
	t.mu.Lock()
	t.byTool[tool] = s
	t.mu.Unlock()
}

// For returns the strategy for the tool.
func (t *StrategyTable) For(tool string) Strategy {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.byTool[tool]; ok {
		return s
	}
	return t.fallback
}

// Replace swaps the whole table. Used by config hot reload.
func (t *StrategyTable) Replace(byTool map[string]Strategy, fallback Strategy) {
	t.mu.Lock()
	t.byTool = make(map[string]Strategy, len(byTool))
	for tool, s := range byTool {
		t.byTool[tool] = s
	}
	t.fallback = fallback
	t.mu.Unlock()
}
