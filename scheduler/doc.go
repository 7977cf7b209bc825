// Package scheduler admits, prioritizes, and executes tool requests.
//
// Requests enter one of four bounded priority queues (critical, high,
// normal, low). A fixed worker pool services the queues: a worker
// always drains any non-empty strictly-higher-priority queue before
// its own, FIFO within a level, and admitted work is never preempted.
//
// The Executor runs each request through a pipeline: cache lookup,
// queue admission, concurrency and memory guards, per-request timeout,
// retry loop, circuit breaker, handler invocation, and cache
// write-back. Identical concurrent invocations collapse into a single
// execution. Failures surface as failed Results; a misbehaving tool
// never takes down the scheduler or sibling requests.
package scheduler
