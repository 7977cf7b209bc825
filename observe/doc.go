// Package observe provides observability primitives for the execution
// core: structured JSON logging, OpenTelemetry metrics and tracing,
// and a handler middleware that instruments individual tool calls.
//
// It is a pure instrumentation library: no execution, no transport,
// no I/O beyond exporter setup. Recording is best-effort and never
// blocks the execution path.
package observe
