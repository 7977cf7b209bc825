package resilience

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/jonwraymond/toolrun"
)

// ConcurrencyGuard bounds the number of simultaneously in-flight
// executions system-wide. Acquisition waits cooperatively on the
// context; it never blocks unrelated work.
type ConcurrencyGuard struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	rejected atomic.Int64
}

// NewConcurrencyGuard creates a guard admitting at most maxConcurrent
// executions. Default: 10.
func NewConcurrencyGuard(maxConcurrent int) *ConcurrencyGuard {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &ConcurrencyGuard{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		capacity: int64(maxConcurrent),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *ConcurrencyGuard) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.rejected.Add(1)
		return err
	}
	g.inFlight.Add(1)
	return nil
}

// TryAcquire takes a slot without blocking.
func (g *ConcurrencyGuard) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		g.rejected.Add(1)
		return false
	}
	g.inFlight.Add(1)
	return true
}

// Release frees a slot.
func (g *ConcurrencyGuard) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// InFlight returns the number of admitted executions.
func (g *ConcurrencyGuard) InFlight() int64 {
	return g.inFlight.Load()
}

// Capacity returns the configured limit.
func (g *ConcurrencyGuard) Capacity() int64 {
	return g.capacity
}

// Rejected returns the number of failed acquisitions.
func (g *ConcurrencyGuard) Rejected() int64 {
	return g.rejected.Load()
}

// MemoryGuard tracks an estimate of memory committed to in-flight work
// against a fixed ceiling. Reservation is fail-fast: when the ceiling
// would be exceeded the caller gets toolrun.ErrResourceExhausted
// instead of queuing.
//
// The estimate is an admission heuristic, not real memory accounting;
// callers pass the same size to Reserve and Release.
type MemoryGuard struct {
	sem     *semaphore.Weighted
	ceiling int64
	used    atomic.Int64
}

// NewMemoryGuard creates a guard with the given ceiling in bytes.
// Default: 256 MiB.
func NewMemoryGuard(ceiling int64) *MemoryGuard {
	if ceiling <= 0 {
		ceiling = 256 << 20
	}
	return &MemoryGuard{
		sem:     semaphore.NewWeighted(ceiling),
		ceiling: ceiling,
	}
}

// Reserve commits size bytes of budget, failing fast when the ceiling
// would be breached.
func (g *MemoryGuard) Reserve(size int64) error {
	if size <= 0 {
		return nil
	}
	if size > g.ceiling {
		return fmt.Errorf("%w: request needs %d bytes, ceiling is %d",
			toolrun.ErrResourceExhausted, size, g.ceiling)
	}
	if !g.sem.TryAcquire(size) {
		return fmt.Errorf("%w: %d bytes requested, %d in use of %d",
			toolrun.ErrResourceExhausted, size, g.used.Load(), g.ceiling)
	}
	g.used.Add(size)
	return nil
}

// Release returns size bytes of budget.
func (g *MemoryGuard) Release(size int64) {
	if size <= 0 {
		return
	}
	g.used.Add(-size)
	g.sem.Release(size)
}

// Used returns the current committed estimate.
func (g *MemoryGuard) Used() int64 {
	return g.used.Load()
}

// Ceiling returns the configured budget.
func (g *MemoryGuard) Ceiling() int64 {
	return g.ceiling
}
