package toolrun

import "errors"

// Sentinel errors for the execution core. Wrapped errors carry context;
// callers distinguish kinds with errors.Is.
var (
	// ErrQueueFull is returned synchronously when the target priority
	// queue is at capacity.
	ErrQueueFull = errors.New("toolrun: priority queue full")

	// ErrTimeout is returned when a request exceeds its timeout.
	ErrTimeout = errors.New("toolrun: request timed out")

	// ErrResourceExhausted is returned when admitting a request would
	// exceed the configured memory ceiling.
	ErrResourceExhausted = errors.New("toolrun: memory budget exhausted")

	// ErrCircuitOpen is returned when the target's circuit breaker is
	// open and the invocation was not attempted.
	ErrCircuitOpen = errors.New("toolrun: circuit breaker is open")

	// ErrDependencyUnsatisfied marks a batch request whose dependency
	// failed or is missing; the request is never executed.
	ErrDependencyUnsatisfied = errors.New("toolrun: dependencies not satisfied")

	// ErrDependencyCycle marks a batch whose dependency graph contains
	// a cycle; the whole batch fails.
	ErrDependencyCycle = errors.New("toolrun: dependency cycle detected")

	// ErrRetryExhausted is returned when all retry attempts failed.
	ErrRetryExhausted = errors.New("toolrun: retry attempts exhausted")

	// ErrToolExecution wraps an opaque failure from the tool itself.
	ErrToolExecution = errors.New("toolrun: tool execution failed")

	// ErrUnknownTool is returned when no handler is registered for the
	// requested tool name.
	ErrUnknownTool = errors.New("toolrun: unknown tool")
)
