package health

import (
	"context"
	"time"
)

// Status is a component's health state.
type Status int

const (
	// StatusHealthy means the component is operating normally.
	StatusHealthy Status = iota
	// StatusDegraded means the component works but is under pressure.
	StatusDegraded
	// StatusUnhealthy means the component is not serving correctly.
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Result is the outcome of one health check.
type Result struct {
	Status  Status
	Message string

	// Details carries check-specific metadata, rendered as-is on the
	// detailed HTTP endpoint.
	Details map[string]any

	Duration  time.Duration
	Timestamp time.Time
	Error     error
}

// Healthy builds a healthy result.
func Healthy(message string) Result {
	return Result{Status: StatusHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded builds a degraded result.
func Degraded(message string) Result {
	return Result{Status: StatusDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy builds an unhealthy result.
func Unhealthy(message string, err error) Result {
	return Result{Status: StatusUnhealthy, Message: message, Error: err, Timestamp: time.Now()}
}

// WithDetails attaches metadata to a result.
func (r Result) WithDetails(details map[string]any) Result {
	r.Details = details
	return r
}

// Checker probes one facet of the runtime.
type Checker interface {
	// Name identifies this checker.
	Name() string

	// Check performs the probe. Implementations should honor ctx and
	// return promptly; the aggregator enforces an overall timeout.
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function into a Checker.
type CheckerFunc struct {
	name string
	fn   func(context.Context) Result
}

// NewCheckerFunc wraps fn as a named Checker.
func NewCheckerFunc(name string, fn func(context.Context) Result) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

// Name identifies this checker.
func (f *CheckerFunc) Name() string { return f.name }

// Check performs the probe.
func (f *CheckerFunc) Check(ctx context.Context) Result { return f.fn(ctx) }
