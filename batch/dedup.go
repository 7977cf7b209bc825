package batch

import (
	"github.com/jonwraymond/toolrun"

	"github.com/jonwraymond/toolrun/cache"
)

// dedupGroup is one set of requests sharing a (tool, args) signature.
// The representative executes; every member receives its result.
type dedupGroup struct {
	representative *toolrun.Request
	members        []*toolrun.Request
}

// deduplicate merges requests with identical signatures. The first
// request of each group is the representative; its dependency list
// becomes the union of the group's dependencies so the shared
// execution starts only after every member's gate is satisfied.
// Requests whose signature cannot be computed stay ungrouped.
func deduplicate(reqs []*toolrun.Request, keyer cache.Keyer) []*dedupGroup {
	groups := make([]*dedupGroup, 0, len(reqs))
	bySig := make(map[string]*dedupGroup, len(reqs))

	for _, req := range reqs {
		sig, err := keyer.Signature(req.Tool, req.Args)
		if err != nil {
			groups = append(groups, &dedupGroup{
				representative: req,
				members:        []*toolrun.Request{req},
			})
			continue
		}

		if group, ok := bySig[sig]; ok {
			group.members = append(group.members, req)
			group.representative.DependsOn = unionDeps(
				group.representative.DependsOn, req.DependsOn)
			if req.MaxRetries > group.representative.MaxRetries {
				group.representative.MaxRetries = req.MaxRetries
			}
			continue
		}

		group := &dedupGroup{
			representative: req,
			members:        []*toolrun.Request{req},
		}
		bySig[sig] = group
		groups = append(groups, group)
	}
	return groups
}

// fanOut copies the representative's result to every member, keeping
// each member's own correlation ID.
func (g *dedupGroup) fanOut(res toolrun.Result) []toolrun.Result {
	out := make([]toolrun.Result, 0, len(g.members))
	for _, member := range g.members {
		copied := res
		copied.CorrelationID = member.CorrelationID
		out = append(out, copied)
	}
	return out
}

func unionDeps(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
