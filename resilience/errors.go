package resilience

import "errors"

// ErrRateLimitExceeded is returned when the rate limit is exceeded.
var ErrRateLimitExceeded = errors.New("resilience: rate limit exceeded")

// The remaining failure kinds (circuit open, retry exhausted, timeout,
// resource exhausted) are sentinels in the root toolrun package, shared
// with the scheduler so callers match them with a single errors.Is.
