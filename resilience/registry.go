package resilience

import (
	"context"
	"sync"
)

// Registry holds one circuit breaker per target, created lazily from
// the default config with optional per-target overrides.
type Registry struct {
	mu        sync.Mutex
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	breakers  map[string]*CircuitBreaker
}

// NewRegistry creates a breaker registry with the given defaults.
func NewRegistry(defaults BreakerConfig) *Registry {
	return &Registry{
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]BreakerConfig),
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// SetOverride configures a target-specific breaker config. An existing
// breaker for the target picks up the new thresholds immediately.
func (r *Registry) SetOverride(target string, config BreakerConfig) {
	r.mu.Lock()
	r.overrides[target] = config.withDefaults()
	cb, ok := r.breakers[target]
	r.mu.Unlock()

	if ok {
		cb.SetConfig(config)
	}
}

// Get returns the breaker for target, creating it on first use.
func (r *Registry) Get(target string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[target]; ok {
		return cb
	}

	config := r.defaults
	if override, ok := r.overrides[target]; ok {
		config = override
	}
	cb := NewCircuitBreaker(target, config)
	r.breakers[target] = cb
	return cb
}

// Execute runs op through the target's breaker.
func (r *Registry) Execute(ctx context.Context, target string, op func(context.Context) error) error {
	return r.Get(target).Execute(ctx, op)
}

// UpdateDefaults applies a new default config. Existing breakers without
// a target override pick it up immediately; in-flight calls are not
// disturbed.
func (r *Registry) UpdateDefaults(defaults BreakerConfig) {
	r.mu.Lock()
	r.defaults = defaults.withDefaults()
	var update []*CircuitBreaker
	for target, cb := range r.breakers {
		if _, ok := r.overrides[target]; !ok {
			update = append(update, cb)
		}
	}
	r.mu.Unlock()

	for _, cb := range update {
		cb.SetConfig(defaults)
	}
}

// Snapshots returns a snapshot of every known breaker, keyed by target.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(breakers))
	for _, cb := range breakers {
		out[cb.Target()] = cb.Snapshot()
	}
	return out
}
