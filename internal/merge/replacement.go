// Package merge reduces a redundant working graph to a minimal equivalent
// one by folding interchangeable tasks and compositions together. All
// folds are recorded in a replacement graph so the final representative
// of any original task can always be looked up.
package merge

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
)

// representativeCacheSize bounds the resolved-representative cache. Large
// enough to hold every task of a realistic network.
const representativeCacheSize = 4096

// InternalError reports a violation of the merge solver's own invariants:
// merging a task onto itself, or a replacement that would close a cycle.
// Always fatal, never retried.
type InternalError struct {
	Op   string
	Old  plan.TaskID
	New  plan.TaskID
	Why  string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("merge internal error in %s (%d -> %d): %s", e.Op, e.Old, e.New, e.Why)
}

// ReplacementGraph records "task A was replaced by task B" edges.
//
// Invariant: the graph is acyclic and every node has at most one outgoing
// edge, so resolving any task's current representative is a walk that
// terminates at a sink. Lookups are path-compressed and cached; the cache
// is invalidated whenever a recorded replacement turns a former sink into
// an interior node.
type ReplacementGraph struct {
	edges map[plan.TaskID]plan.TaskID
	cache *lru.Cache[plan.TaskID, plan.TaskID]
}

// NewReplacementGraph creates an empty replacement graph.
func NewReplacementGraph() *ReplacementGraph {
	cache, _ := lru.New[plan.TaskID, plan.TaskID](representativeCacheSize)
	return &ReplacementGraph{
		edges: make(map[plan.TaskID]plan.TaskID),
		cache: cache,
	}
}

// Record adds a replacement edge old -> new. Self-replacements and edges
// that would introduce a cycle are internal-consistency errors.
func (g *ReplacementGraph) Record(old, new plan.TaskID) error {
	if old == new {
		return &InternalError{Op: "record", Old: old, New: new, Why: "task merged onto itself"}
	}
	if _, dup := g.edges[old]; dup {
		return &InternalError{Op: "record", Old: old, New: new, Why: "task already replaced"}
	}
	// Walk from new: if old is reachable, the edge would close a cycle.
	for cur := new; ; {
		next, ok := g.edges[cur]
		if !ok {
			break
		}
		if next == old {
			return &InternalError{Op: "record", Old: old, New: new, Why: "replacement would introduce a cycle"}
		}
		cur = next
	}
	g.edges[old] = new
	// old's representative changed and new may have stopped being a sink
	// for cached chains; drop all cached lookups.
	g.cache.Purge()
	return nil
}

// Resolve returns the current representative of the task: the sink
// reached by following replacement edges. The walk is path-compressed so
// later lookups are O(1).
func (g *ReplacementGraph) Resolve(id plan.TaskID) plan.TaskID {
	if rep, ok := g.cache.Get(id); ok {
		return rep
	}
	var chain []plan.TaskID
	cur := id
	for {
		next, ok := g.edges[cur]
		if !ok {
			break
		}
		chain = append(chain, cur)
		cur = next
	}
	for _, n := range chain {
		g.edges[n] = cur
		g.cache.Add(n, cur)
	}
	g.cache.Add(id, cur)
	return cur
}

// Replaced reports whether the task has been folded into another.
func (g *ReplacementGraph) Replaced(id plan.TaskID) bool {
	_, ok := g.edges[id]
	return ok
}

// Len returns the number of recorded replacements.
func (g *ReplacementGraph) Len() int {
	return len(g.edges)
}

// Clear drops all recorded replacements. Called at the start of each
// resolution unless the previous graph is retained for debugging.
func (g *ReplacementGraph) Clear() {
	g.edges = make(map[plan.TaskID]plan.TaskID)
	g.cache.Purge()
}
