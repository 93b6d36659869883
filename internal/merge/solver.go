package merge

import (
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/registry"
)

// invalidCacheSize bounds the cache of merge pairs already known to be
// irreconcilable, pruning the quadratic candidate search.
const invalidCacheSize = 8192

// pairKey identifies an unordered task pair.
type pairKey struct {
	a, b plan.TaskID
}

func pairOf(x, y plan.TaskID) pairKey {
	if x < y {
		return pairKey{x, y}
	}
	return pairKey{y, x}
}

// Solver folds equivalent tasks and compositions of a working graph
// together. Not safe for concurrent use; one solver serves one
// resolution.
type Solver struct {
	tr      *plan.Transaction
	reg     *registry.Registry
	repl    *ReplacementGraph
	invalid *lru.Cache[pairKey, bool]
}

// NewSolver creates a solver over the given transaction. Replacements are
// accumulated into repl, which outlives the solver so the resolution can
// look up final representatives after all passes.
func NewSolver(tr *plan.Transaction, reg *registry.Registry, repl *ReplacementGraph) *Solver {
	invalid, _ := lru.New[pairKey, bool](invalidCacheSize)
	return &Solver{tr: tr, reg: reg, repl: repl, invalid: invalid}
}

// MergeTasks runs the task-context pass to exhaustion and returns how
// many tasks were folded away.
func (s *Solver) MergeTasks() (int, error) {
	total := 0
	for {
		n, err := s.mergeTaskPass()
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

// mergeTaskPass attempts one full pass over all merge candidates.
//
// Targets are processed in descending input fan-in order: a task with
// more established connections is the preferred survivor because it is
// less likely to need further rewriting.
func (s *Solver) mergeTaskPass() (int, error) {
	g := s.tr.Graph()
	byModel := make(map[string][]*plan.Task)
	for _, t := range g.Tasks() {
		if t.Composition || t.Abstract || t.Model == "" || s.repl.Replaced(t.ID) {
			continue
		}
		byModel[t.Model] = append(byModel[t.Model], t)
	}

	merged := 0
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	for _, model := range models {
		group := byModel[model]
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			fi, fj := len(g.InputsOf(group[i].ID)), len(g.InputsOf(group[j].ID))
			if fi != fj {
				return fi > fj
			}
			return group[i].ID < group[j].ID
		})
		for _, target := range group {
			if s.repl.Replaced(target.ID) {
				continue
			}
			for _, cand := range group {
				if cand.ID == target.ID || s.repl.Replaced(cand.ID) || s.repl.Replaced(target.ID) {
					continue
				}
				key := pairOf(target.ID, cand.ID)
				if _, bad := s.invalid.Get(key); bad {
					continue
				}
				if !s.compatible(target, cand) {
					s.invalid.Add(key, true)
					continue
				}
				mapping, ok := s.resolveMerge(target.ID, cand.ID)
				if !ok {
					s.invalid.Add(key, true)
					continue
				}
				n, err := s.apply(mapping)
				if err != nil {
					return merged, err
				}
				merged += n
			}
		}
	}
	return merged, nil
}

// MergePair attempts to fold cand into target directly, outside the
// normal candidate search. Used by the deployment pass to fold a task
// onto its synthesized bound counterpart and by reconciliation to fold a
// fresh task onto a compatible running one. Returns false when the pair
// is irreconcilable; that is a normal negative result, not an error.
func (s *Solver) MergePair(target, cand plan.TaskID) (bool, error) {
	g := s.tr.Graph()
	t, c := g.Task(target), g.Task(cand)
	if t == nil || c == nil {
		return false, nil
	}
	if !s.compatible(t, c) {
		s.invalid.Add(pairOf(target, cand), true)
		return false, nil
	}
	mapping, ok := s.resolveMerge(target, cand)
	if !ok {
		s.invalid.Add(pairOf(target, cand), true)
		return false, nil
	}
	n, err := s.apply(mapping)
	return n > 0, err
}

// compatible is the intrinsic check: identical configuration arguments,
// and at most one of the pair already bound to a deployment (or both to
// the same one). It never looks at connections.
func (s *Solver) compatible(a, b *plan.Task) bool {
	if a.Model != b.Model || a.Composition != b.Composition {
		return false
	}
	if !argumentsEqual(a.Arguments, b.Arguments) {
		return false
	}
	if a.Deployment != nil && b.Deployment != nil && *a.Deployment != *b.Deployment {
		return false
	}
	return true
}

// resolveMerge decides whether cand can be folded into target by
// comparing their concrete input connections port by port. Ports wired to
// different but mergeable upstream tasks become deferred sub-merges,
// resolved recursively; this is what lets the solver walk through
// dataflow cycles and shared-upstream patterns. Any irreconcilable
// mismatch aborts the whole merge.
//
// On success the returned mapping contains every folded pair, cand
// included; it is applied atomically or not at all.
func (s *Solver) resolveMerge(target, cand plan.TaskID) (map[plan.TaskID]plan.TaskID, bool) {
	g := s.tr.Graph()
	mapping := map[plan.TaskID]plan.TaskID{cand: target}
	queue := []pairKey{{target, cand}}
	seen := map[pairKey]bool{pairOf(target, cand): true}

	for len(queue) > 0 {
		pair := queue[0]
		queue = queue[1:]
		t, c := pair.a, pair.b

		model := s.reg.TaskModelOf(g.Task(t).Model)
		for _, cin := range g.InputsOf(c) {
			var port *registry.Port
			if model != nil {
				port = model.Port(cin.SinkPort)
			}

			var onPort []*plan.Connection
			for _, tin := range g.InputsOf(t) {
				if tin.SinkPort == cin.SinkPort {
					onPort = append(onPort, tin)
				}
			}
			// No corresponding connection on the target: accepted
			// silently, the edge simply moves over.
			if len(onPort) == 0 {
				continue
			}

			resolved := func(id plan.TaskID) plan.TaskID {
				if m, ok := mapping[id]; ok {
					return s.repl.Resolve(m)
				}
				return s.repl.Resolve(id)
			}

			matched := false
			for _, tin := range onPort {
				if resolved(tin.Source) == resolved(cin.Source) && tin.SourcePort == cin.SourcePort {
					if !policiesCompatible(tin.Policy, cin.Policy) {
						return nil, false
					}
					matched = true
					break
				}
			}
			if matched {
				continue
			}

			if port != nil && port.Multiplexes {
				// Multiplexing inputs accept connections from both
				// sources side by side.
				continue
			}

			// Exactly one established source on a non-multiplexing port:
			// the two upstreams must themselves be mergeable, deferred as
			// a sub-merge. Anything else is irreconcilable.
			if len(onPort) != 1 || onPort[0].SourcePort != cin.SourcePort {
				return nil, false
			}
			// Folding the upstreams collapses both edges onto one
			// connection, so their policies must agree just like on the
			// matched-source branch.
			if !policiesCompatible(onPort[0].Policy, cin.Policy) {
				return nil, false
			}
			s1 := resolved(onPort[0].Source)
			s2 := resolved(cin.Source)
			if s1 == s2 {
				continue
			}
			ts1, ts2 := g.Task(s1), g.Task(s2)
			if ts1 == nil || ts2 == nil || !s.compatible(ts1, ts2) {
				return nil, false
			}
			if prev, ok := mapping[s2]; ok && prev != s1 {
				return nil, false
			}
			mapping[s2] = s1
			sub := pairOf(s1, s2)
			if !seen[sub] {
				seen[sub] = true
				queue = append(queue, pairKey{s1, s2})
			}
		}
	}
	return mapping, true
}

// apply commits a resolved merge mapping: every loser's edges are rewired
// to its survivor, the replacement is recorded, and the loser is removed
// (or unlinked when it proxies a real external object). The invalid-pair
// cache is dropped wholesale since the merge changed every context it
// touched.
func (s *Solver) apply(mapping map[plan.TaskID]plan.TaskID) (int, error) {
	g := s.tr.Graph()
	losers := make([]plan.TaskID, 0, len(mapping))
	for loser := range mapping {
		losers = append(losers, loser)
	}
	sort.Slice(losers, func(i, j int) bool { return losers[i] < losers[j] })

	applied := 0
	for _, loser := range losers {
		survivorID := s.repl.Resolve(mapping[loser])
		loserID := s.repl.Resolve(loser)
		if loserID == survivorID {
			continue
		}
		survivor := g.Task(survivorID)
		loserTask := g.Task(loserID)
		if survivor == nil || loserTask == nil {
			return applied, &InternalError{Op: "apply", Old: loserID, New: survivorID, Why: "folded task vanished from graph"}
		}
		// A binding established on the loser survives the fold.
		if survivor.Deployment == nil && loserTask.Deployment != nil {
			b := *loserTask.Deployment
			survivor.Deployment = &b
		}
		if loserTask.Mission {
			survivor.Mission = true
		}
		if loserTask.Permanent {
			survivor.Permanent = true
		}
		if err := s.repl.Record(loserID, survivorID); err != nil {
			return applied, err
		}
		if err := s.tr.ReplaceTask(loserID, survivorID); err != nil {
			return applied, err
		}
		slog.Debug("merged task",
			"loser", loserID,
			"survivor", survivorID,
			"model", survivor.Model,
		)
		applied++
	}
	if applied > 0 {
		s.invalid.Purge()
	}
	return applied, nil
}

func argumentsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// policiesCompatible treats an unresolved policy as compatible with
// anything; two resolved policies must agree exactly.
func policiesCompatible(a, b *plan.Policy) bool {
	if a == nil || b == nil {
		return true
	}
	return *a == *b
}
