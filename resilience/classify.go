package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jonwraymond/toolrun"
)

// FailureClass categorizes an execution failure for diagnostics. All
// classes count equally toward the breaker threshold; the class is
// recorded so operators can see what is failing.
type FailureClass int

const (
	// FailureUnknown is the fallback class.
	FailureUnknown FailureClass = iota
	// FailureTimeout covers deadline and cancellation failures.
	FailureTimeout
	// FailureConnection covers transport-level failures.
	FailureConnection
	// FailureServerError covers failures reported by the tool backend.
	FailureServerError
	// FailureRateLimit covers throttling responses.
	FailureRateLimit
)

// String returns the string representation of the class.
func (c FailureClass) String() string {
	switch c {
	case FailureTimeout:
		return "timeout"
	case FailureConnection:
		return "connection"
	case FailureServerError:
		return "server_error"
	case FailureRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// Classify maps an error to its failure class.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, toolrun.ErrTimeout):
		return FailureTimeout
	case errors.Is(err, ErrRateLimitExceeded):
		return FailureRateLimit
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return FailureRateLimit
	case strings.Contains(msg, "connection"), strings.Contains(msg, "dial"),
		strings.Contains(msg, "broken pipe"):
		return FailureConnection
	case strings.Contains(msg, "server error"), strings.Contains(msg, "internal error"),
		strings.Contains(msg, "unavailable"):
		return FailureServerError
	default:
		return FailureUnknown
	}
}
