package batch

import (
	"fmt"

	"github.com/jonwraymond/toolrun"
)

// graph is the dependency graph of one batch, keyed by correlation ID.
// Edges point from a dependency to its dependents.
type graph struct {
	nodes      map[string]*toolrun.Request
	dependents map[string][]string // dep id -> dependent ids
	indegree   map[string]int      // known in-batch dependencies only
}

// buildGraph indexes the requests and their declared dependencies.
// Dependencies on IDs outside the batch are not edges; the runtime gate
// fails such requests with "dependencies not satisfied".
func buildGraph(reqs []*toolrun.Request) *graph {
	g := &graph{
		nodes:      make(map[string]*toolrun.Request, len(reqs)),
		dependents: make(map[string][]string),
		indegree:   make(map[string]int, len(reqs)),
	}

	for _, req := range reqs {
		g.nodes[req.CorrelationID] = req
		g.indegree[req.CorrelationID] = 0
	}
	for _, req := range reqs {
		for _, dep := range req.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				continue // unknown dep, handled at the gate
			}
			if dep == req.CorrelationID {
				continue // self-dependency, handled at the gate
			}
			g.dependents[dep] = append(g.dependents[dep], req.CorrelationID)
			g.indegree[req.CorrelationID]++
		}
	}
	return g
}

// topoOrder returns the correlation IDs in dependency order using
// Kahn's algorithm, preferring submission order among ready nodes.
// It fails when a cycle prevents consuming every node.
func (g *graph) topoOrder(reqs []*toolrun.Request) ([]string, error) {
	indegree := make(map[string]int, len(g.indegree))
	for id, n := range g.indegree {
		indegree[id] = n
	}

	// Seed with zero-indegree nodes in submission order.
	var ready []string
	for _, req := range reqs {
		if indegree[req.CorrelationID] == 0 {
			ready = append(ready, req.CorrelationID)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range g.dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("%w: %d of %d requests unreachable",
			toolrun.ErrDependencyCycle, len(g.nodes)-len(order), len(g.nodes))
	}
	return order, nil
}

// levels assigns each request a level: 1 for requests without in-batch
// dependencies, otherwise 1 + the maximum level among its dependencies.
// Levels come back ordered, each preserving submission order.
func (g *graph) levels(reqs []*toolrun.Request) ([][]string, error) {
	order, err := g.topoOrder(reqs)
	if err != nil {
		return nil, err
	}

	levelOf := make(map[string]int, len(order))
	maxLevel := 0
	for _, id := range order {
		level := 1
		for _, dep := range g.nodes[id].DependsOn {
			if depLevel, ok := levelOf[dep]; ok && depLevel >= level {
				level = depLevel + 1
			}
		}
		levelOf[id] = level
		if level > maxLevel {
			maxLevel = level
		}
	}

	out := make([][]string, maxLevel)
	for _, req := range reqs {
		level := levelOf[req.CorrelationID]
		out[level-1] = append(out[level-1], req.CorrelationID)
	}
	return out, nil
}
