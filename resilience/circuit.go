package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/toolrun"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is testing if the target recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before
	// opening the circuit. Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before
	// admitting probes. Default: 30 seconds
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the probe budget in half-open state; the
	// circuit closes only after this many probes succeed. Default: 1
	HalfOpenMaxCalls int

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(target string, from, to State)

	// IsFailure determines if an error should count as a failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// CircuitBreaker isolates one failing target.
type CircuitBreaker struct {
	target string

	mu                sync.Mutex
	config            BreakerConfig
	state             State
	failures          int // consecutive failures while closed
	totalSuccesses    int64
	totalFailures     int64
	lastFailure       time.Time
	lastTransition    time.Time
	halfOpenCalls     int // probes admitted this half-open period
	halfOpenSuccesses int
	failuresByClass   map[FailureClass]int64

	now func() time.Time
}

// NewCircuitBreaker creates a breaker for the named target.
func NewCircuitBreaker(target string, config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		target:          target,
		config:          config.withDefaults(),
		state:           StateClosed,
		lastTransition:  time.Now(),
		failuresByClass: make(map[FailureClass]int64),
		now:             time.Now,
	}
}

// Target returns the target this breaker isolates.
func (cb *CircuitBreaker) Target() string {
	return cb.target
}

// Execute runs the operation through the circuit breaker. When the
// circuit is open the operation is never invoked and
// toolrun.ErrCircuitOpen is returned immediately.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterRequest(err)
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.setStateLocked(StateClosed)
	cb.failures = 0
	cb.halfOpenCalls = 0
	cb.halfOpenSuccesses = 0

	if oldState != StateClosed && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.target, oldState, StateClosed)
	}
}

// SetConfig applies new thresholds and timeouts. In-flight calls are
// unaffected; the next transition uses the new values.
func (cb *CircuitBreaker) SetConfig(config BreakerConfig) {
	cb.mu.Lock()
	cb.config = config.withDefaults()
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case StateOpen:
		return toolrun.ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return toolrun.ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	isFailure := cb.config.IsFailure(err)
	oldState := cb.state

	if isFailure {
		cb.totalFailures++
		cb.failuresByClass[Classify(err)]++
	} else {
		cb.totalSuccesses++
	}

	switch cb.state {
	case StateClosed:
		if isFailure {
			cb.failures++
			cb.lastFailure = cb.now()
			if cb.failures >= cb.config.FailureThreshold {
				cb.setStateLocked(StateOpen)
			}
		} else {
			// Reset consecutive failure count on success
			cb.failures = 0
		}

	case StateHalfOpen:
		if isFailure {
			// Failed probe: back to open, recovery timer restarts
			cb.lastFailure = cb.now()
			cb.setStateLocked(StateOpen)
		} else {
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxCalls {
				cb.setStateLocked(StateClosed)
				cb.failures = 0
			}
		}
	}

	if oldState != cb.state && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.target, oldState, cb.state)
	}
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
		cb.setStateLocked(StateHalfOpen)
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.target, StateOpen, StateHalfOpen)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(state State) {
	cb.state = state
	cb.lastTransition = cb.now()
	if state == StateHalfOpen {
		cb.halfOpenCalls = 0
		cb.halfOpenSuccesses = 0
	}
}

// Snapshot is a point-in-time view of a breaker for health reporting.
type Snapshot struct {
	Target          string
	State           State
	Failures        int
	TotalSuccesses  int64
	TotalFailures   int64
	LastTransition  time.Time
	FailuresByClass map[string]int64
}

// Snapshot returns current breaker statistics.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	byClass := make(map[string]int64, len(cb.failuresByClass))
	for class, n := range cb.failuresByClass {
		byClass[class.String()] = n
	}
	return Snapshot{
		Target:          cb.target,
		State:           cb.currentStateLocked(),
		Failures:        cb.failures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		LastTransition:  cb.lastTransition,
		FailuresByClass: byClass,
	}
}
