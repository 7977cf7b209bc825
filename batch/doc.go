// Package batch plans and runs multi-request tool invocations.
//
// A batch is an ordered list of requests with optional declared
// dependencies between them. Four execution modes are supported:
// fully parallel under a concurrency cap, strictly sequential,
// dependency-ordered via topological sort, and hybrid, which groups
// requests into dependency levels and runs each level in parallel.
//
// Requests with identical (tool, canonical arguments) signatures are
// merged before dispatch; every duplicate receives the shared result.
// The actual invocation is delegated to an Invoker, normally the
// scheduler's executor, so every request still flows through caching,
// admission control, the circuit breaker, and retries.
package batch
