package health

import "errors"

var (
	// ErrCheckFailed indicates a health check found a critical condition.
	ErrCheckFailed = errors.New("health: check failed")

	// ErrCheckTimeout indicates a health check timed out.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound indicates no checker is registered under the
	// requested name.
	ErrCheckerNotFound = errors.New("health: checker not found")
)
