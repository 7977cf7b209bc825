package batch

// ExecutionMode selects how a batch's requests are scheduled.
type ExecutionMode int

const (
	// ModeHybrid groups requests into dependency levels and runs each
	// level fully parallel. This is the default.
	ModeHybrid ExecutionMode = iota
	// ModeParallel runs every request concurrently under the batch
	// concurrency cap, ignoring declared dependencies.
	ModeParallel
	// ModeSequential runs requests one at a time in submission order.
	ModeSequential
	// ModeDependencyOrdered runs requests one at a time in topological
	// order.
	ModeDependencyOrdered
)

// String returns the string representation of the mode.
func (m ExecutionMode) String() string {
	switch m {
	case ModeHybrid:
		return "hybrid"
	case ModeParallel:
		return "parallel"
	case ModeSequential:
		return "sequential"
	case ModeDependencyOrdered:
		return "dependency-ordered"
	default:
		return "unknown"
	}
}

// FailureMode selects how a batch reacts to individual failures.
type FailureMode int

const (
	// FailContinue captures failures and keeps going.
	FailContinue FailureMode = iota
	// FailFast halts not-yet-started work after the first failure.
	// Already-running requests are never cancelled.
	FailFast
	// FailRetry retries each failed request with capped exponential
	// backoff up to that request's own MaxRetries.
	FailRetry
)

// String returns the string representation of the failure mode.
func (m FailureMode) String() string {
	switch m {
	case FailContinue:
		return "continue-on-error"
	case FailFast:
		return "fail-fast"
	case FailRetry:
		return "retry-failures"
	default:
		return "unknown"
	}
}
