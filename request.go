package toolrun

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders requests for admission. Higher priorities are always
// dispatched before lower ones when both have queued work.
type Priority int

const (
	// PriorityCritical is reserved for latency-sensitive work.
	PriorityCritical Priority = iota
	// PriorityHigh is for interactive requests.
	PriorityHigh
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityLow is for background and best-effort work.
	PriorityLow
)

// NumPriorities is the number of distinct priority levels.
const NumPriorities = 4

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Request describes a single tool invocation.
type Request struct {
	// Tool is the registered tool name. Required.
	Tool string

	// Args are the tool arguments. May be nil.
	Args map[string]any

	// Priority selects the admission queue. Default: PriorityNormal.
	Priority Priority

	// Timeout bounds the invocation. Zero means the executor default.
	Timeout time.Duration

	// CorrelationID identifies this request in results and logs.
	// Assigned automatically when empty.
	CorrelationID string

	// DependsOn lists correlation IDs this request must wait for in
	// dependency-ordered and hybrid batches.
	DependsOn []string

	// CacheTags associate the cached result with invalidation tags.
	CacheTags []string

	// MaxRetries caps per-request retries in batch retry-failures mode.
	MaxRetries int
}

// Normalize fills derived defaults. It returns the request for chaining.
func (r *Request) Normalize() *Request {
	if r.CorrelationID == "" {
		r.CorrelationID = uuid.NewString()
	}
	if !r.Priority.Valid() {
		r.Priority = PriorityNormal
	}
	return r
}

// Result is the outcome of a single tool invocation. Expected failures
// (timeout, circuit open, queue full, unsatisfied dependency) are reported
// here rather than as panics; Err carries the description.
type Result struct {
	CorrelationID string
	Tool          string
	Output        any
	Success       bool
	Err           string
	Elapsed       time.Duration
	Retries       int
	Cached        bool
}

// Failed builds a failed Result for req carrying err's description.
func Failed(req *Request, err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{
		CorrelationID: req.CorrelationID,
		Tool:          req.Tool,
		Success:       false,
		Err:           msg,
	}
}
