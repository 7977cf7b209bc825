// Package resilience provides the failure-isolation layer of the
// execution core.
//
// It implements the following patterns:
//
//   - Circuit Breaker: per-target state machine (closed/open/half-open)
//     that stops calling a failing tool backend for a cooldown period.
//     A Registry lazily creates one breaker per target.
//
//   - Retry: bounded attempts with fixed, linear, exponential, or
//     adaptive backoff and configurable jitter. The Coordinator keeps
//     per-service statistics and a bounded recent-attempt history.
//
//   - Guards: a counting semaphore bounding in-flight executions and a
//     fail-fast memory budget for admission control.
//
//   - Rate Limiter: token bucket limiting invocation rate per executor.
//
//   - Timeout: per-call deadline that never leaves a worker blocked on
//     a stuck operation.
//
// Retry composes with the circuit breaker: each attempt runs through
// the breaker, and an open breaker short-circuits the remaining
// attempts. The error taxonomy lives in the root toolrun package so
// callers can distinguish failure kinds with errors.Is.
package resilience
