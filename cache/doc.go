// Package cache provides the response cache for tool executions.
//
// Keys are SHA-256 digests of the tool name and a canonical sorted-key
// JSON encoding of the arguments. The store is an LRU bounded by entry
// count and total size, with per-strategy TTLs, transparent compression
// for large values, and invalidation by key pattern, tag, or dependency
// key.
package cache
