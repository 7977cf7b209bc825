// Package health reports on the execution core's operational state.
//
// A Checker probes one facet of the runtime and reports Healthy,
// Degraded, or Unhealthy. The package ships checkers for the pieces an
// executor deployment cares about: circuit breaker states, priority
// queue saturation, the admission memory budget, and cache
// effectiveness.
//
// An Aggregator runs a set of checkers in parallel and folds their
// results into one overall status, worst result wins:
//
//	agg := health.NewAggregator()
//	agg.Register("breakers", health.NewBreakerChecker(exec.Breakers()))
//	agg.Register("queues", health.NewQueueChecker(exec, health.QueueCheckerConfig{}))
//	agg.Register("memory", health.NewMemoryChecker(exec, health.MemoryCheckerConfig{}))
//	agg.Register("cache", health.NewCacheChecker(exec.Cache(), health.CacheCheckerConfig{}))
//
//	results := agg.CheckAll(ctx)
//	overall := agg.OverallStatus(results)
//
// HTTP handlers expose the same information for probes:
//
//	mux := http.NewServeMux()
//	health.RegisterHandlers(mux, agg) // /healthz, /readyz, /health
package health
