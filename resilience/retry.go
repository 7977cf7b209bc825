package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonwraymond/toolrun"
)

// BackoffStrategy defines how delays grow between retries.
type BackoffStrategy int

const (
	// BackoffExponential multiplies the delay each attempt.
	BackoffExponential BackoffStrategy = iota
	// BackoffLinear grows the delay linearly with the attempt number.
	BackoffLinear
	// BackoffFixed uses the base delay for every retry.
	BackoffFixed
	// BackoffAdaptive is exponential scaled by the service's recent
	// success rate: x0.8 when the rate is above 0.8, x1.5 below 0.3.
	BackoffAdaptive
)

// String returns the string representation of the strategy.
func (s BackoffStrategy) String() string {
	switch s {
	case BackoffExponential:
		return "exponential"
	case BackoffLinear:
		return "linear"
	case BackoffFixed:
		return "fixed"
	case BackoffAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// JitterMode randomizes delays to avoid synchronized retry storms.
type JitterMode int

const (
	// JitterNone applies the computed delay as-is.
	JitterNone JitterMode = iota
	// JitterUniform perturbs the delay uniformly within
	// +/- JitterFactor * delay.
	JitterUniform
	// JitterGaussian perturbs the delay normally, bounded to
	// +/- JitterFactor * delay.
	JitterGaussian
	// JitterFull replaces the delay with uniform(0, delay).
	JitterFull
)

// Policy configures retry behavior for one operation.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 100ms
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	// Default: 2.0
	Multiplier float64

	// Strategy is the backoff strategy.
	// Default: BackoffExponential
	Strategy BackoffStrategy

	// Jitter is the jitter mode. Default: JitterNone
	Jitter JitterMode

	// JitterFactor bounds uniform/gaussian jitter as a fraction of the
	// delay. Default: 0.25
	JitterFactor float64

	// RetryIf determines if an error should trigger a retry. An open
	// circuit is never retried regardless of this predicate.
	// Default: all non-nil errors trigger retry.
	RetryIf func(err error) bool

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFactor <= 0 {
		p.JitterFactor = 0.25
	}
	if p.RetryIf == nil {
		p.RetryIf = func(err error) bool { return err != nil }
	}
	return p
}

// outcomeRingSize bounds the per-service outcome history driving the
// adaptive strategy.
const outcomeRingSize = 64

// historySize bounds the per-service recent-attempt diagnostics.
const historySize = 32

// AttemptRecord describes one completed retry sequence.
type AttemptRecord struct {
	When     time.Time
	Attempts int
	Success  bool
	Delay    time.Duration // last backoff delay applied, 0 if none
}

// ServiceStats are cumulative retry counters for one service.
type ServiceStats struct {
	Attempts       int64
	Successes      int64
	Failures       int64
	TotalRetryTime time.Duration
	MaxDelay       time.Duration
	Recent         []AttemptRecord
}

// serviceState is the lock-guarded mutable state behind ServiceStats.
type serviceState struct {
	mu             sync.Mutex
	attempts       int64
	successes      int64
	failures       int64
	totalRetryTime time.Duration
	maxDelay       time.Duration

	outcomes    [outcomeRingSize]bool
	outcomeNext int
	outcomeLen  int

	history     [historySize]AttemptRecord
	historyNext int
	historyLen  int
}

func (s *serviceState) recordAttempt(success bool) {
	s.mu.Lock()
	s.attempts++
	if success {
		s.successes++
	} else {
		s.failures++
	}
	s.outcomes[s.outcomeNext] = success
	s.outcomeNext = (s.outcomeNext + 1) % outcomeRingSize
	if s.outcomeLen < outcomeRingSize {
		s.outcomeLen++
	}
	s.mu.Unlock()
}

func (s *serviceState) recordSleep(d time.Duration) {
	s.mu.Lock()
	s.totalRetryTime += d
	if d > s.maxDelay {
		s.maxDelay = d
	}
	s.mu.Unlock()
}

func (s *serviceState) recordSequence(rec AttemptRecord) {
	s.mu.Lock()
	s.history[s.historyNext] = rec
	s.historyNext = (s.historyNext + 1) % historySize
	if s.historyLen < historySize {
		s.historyLen++
	}
	s.mu.Unlock()
}

// successRate returns the fraction of recent attempts that succeeded,
// or -1 when there is no history yet.
func (s *serviceState) successRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcomeLen == 0 {
		return -1
	}
	ok := 0
	for i := 0; i < s.outcomeLen; i++ {
		if s.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(s.outcomeLen)
}

func (s *serviceState) snapshot() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := make([]AttemptRecord, 0, s.historyLen)
	// Oldest first.
	start := s.historyNext - s.historyLen
	for i := 0; i < s.historyLen; i++ {
		idx := (start + i + historySize) % historySize
		recent = append(recent, s.history[idx])
	}
	return ServiceStats{
		Attempts:       s.attempts,
		Successes:      s.successes,
		Failures:       s.failures,
		TotalRetryTime: s.totalRetryTime,
		MaxDelay:       s.maxDelay,
		Recent:         recent,
	}
}

// Coordinator wraps operations with bounded retries and tracks
// per-service statistics.
type Coordinator struct {
	mu       sync.Mutex
	services map[string]*serviceState

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a retry coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		services: make(map[string]*serviceState),
		sleep:    cooperativeSleep,
	}
}

func cooperativeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Coordinator) service(name string) *serviceState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.services[name]
	if !ok {
		s = &serviceState{}
		c.services[name] = s
	}
	return s
}

// Execute runs op with up to policy.MaxAttempts attempts. An open
// circuit (toolrun.ErrCircuitOpen from op) short-circuits the loop:
// no further attempts are made. On exhaustion the last failure is
// wrapped in toolrun.ErrRetryExhausted.
//
// The returned attempt count is the number of retries performed
// (attempts beyond the first).
func (c *Coordinator) Execute(ctx context.Context, service string, policy Policy, op func(context.Context) error) (int, error) {
	policy = policy.withDefaults()
	state := c.service(service)
	start := time.Now()

	var lastErr error
	var lastDelay time.Duration

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := op(ctx)
		state.recordAttempt(err == nil)

		if err == nil {
			state.recordSequence(AttemptRecord{
				When: start, Attempts: attempt, Success: true, Delay: lastDelay,
			})
			return attempt - 1, nil
		}
		lastErr = err

		// An open breaker means the target is sealed off; retrying
		// cannot help until the recovery timeout elapses.
		if errors.Is(err, toolrun.ErrCircuitOpen) {
			state.recordSequence(AttemptRecord{
				When: start, Attempts: attempt, Success: false, Delay: lastDelay,
			})
			return attempt - 1, err
		}

		if !policy.RetryIf(err) {
			state.recordSequence(AttemptRecord{
				When: start, Attempts: attempt, Success: false, Delay: lastDelay,
			})
			return attempt - 1, err
		}

		if attempt >= policy.MaxAttempts {
			break
		}

		delay := c.delayFor(policy, attempt, state)
		lastDelay = delay

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}

		if err := c.sleep(ctx, delay); err != nil {
			state.recordSequence(AttemptRecord{
				When: start, Attempts: attempt, Success: false, Delay: delay,
			})
			return attempt - 1, err
		}
		state.recordSleep(delay)
	}

	state.recordSequence(AttemptRecord{
		When: start, Attempts: policy.MaxAttempts, Success: false, Delay: lastDelay,
	})
	return policy.MaxAttempts - 1, fmt.Errorf("%w after %d attempts: %w",
		toolrun.ErrRetryExhausted, policy.MaxAttempts, lastErr)
}

// delayFor computes the backoff delay for the given attempt (1-based).
func (c *Coordinator) delayFor(policy Policy, attempt int, state *serviceState) time.Duration {
	var delay time.Duration

	switch policy.Strategy {
	case BackoffFixed:
		delay = policy.BaseDelay

	case BackoffLinear:
		delay = policy.BaseDelay * time.Duration(attempt)

	case BackoffAdaptive:
		multiplier := math.Pow(policy.Multiplier, float64(attempt-1))
		scaled := float64(policy.BaseDelay) * multiplier
		if rate := state.successRate(); rate >= 0 {
			if rate > 0.8 {
				scaled *= 0.8
			} else if rate < 0.3 {
				scaled *= 1.5
			}
		}
		delay = time.Duration(scaled)

	default: // BackoffExponential
		multiplier := math.Pow(policy.Multiplier, float64(attempt-1))
		delay = time.Duration(float64(policy.BaseDelay) * multiplier)
	}

	delay = applyJitter(delay, policy)

	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// applyJitter perturbs the delay per the policy's jitter mode.
// #nosec G404 -- jitter is non-cryptographic timing variance.
func applyJitter(delay time.Duration, policy Policy) time.Duration {
	if delay <= 0 {
		return delay
	}

	switch policy.Jitter {
	case JitterUniform:
		span := policy.JitterFactor * float64(delay)
		offset := (rand.Float64()*2 - 1) * span
		return time.Duration(float64(delay) + offset)

	case JitterGaussian:
		// Normal with sigma at a third of the bound, clamped so the
		// perturbation never exceeds +/- JitterFactor * delay.
		span := policy.JitterFactor * float64(delay)
		g := rand.NormFloat64() / 3
		if g > 1 {
			g = 1
		} else if g < -1 {
			g = -1
		}
		return time.Duration(float64(delay) + g*span)

	case JitterFull:
		return time.Duration(rand.Float64() * float64(delay))

	default:
		return delay
	}
}

// Stats returns a snapshot of retry statistics per service.
func (c *Coordinator) Stats() map[string]ServiceStats {
	c.mu.Lock()
	services := make(map[string]*serviceState, len(c.services))
	for name, s := range c.services {
		services[name] = s
	}
	c.mu.Unlock()

	out := make(map[string]ServiceStats, len(services))
	for name, s := range services {
		out[name] = s.snapshot()
	}
	return out
}
