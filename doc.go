// Package toolrun defines the shared data model for the tool execution
// core: invocation requests and results, the ToolHandler capability
// interface with its registry, and the error taxonomy used across the
// scheduler, batch, resilience, and cache packages.
//
// The execution pipeline itself lives in the scheduler package; batch
// planning in batch; failure isolation in resilience; result caching in
// cache. This package is the leaf every other package imports.
package toolrun
