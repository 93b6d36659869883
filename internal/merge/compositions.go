package merge

import (
	"log/slog"
	"sort"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
)

// MergeCompositions runs the composition pass: compositions are folded
// leaf-to-root, so a parent is only compared once its children have had
// their chance to merge.
//
// Two compositions merge only when the plain task-context check passes,
// every child in every role matches through the replacement graph,
// neither has abstract or placeholder children, and both export the same
// internal port passthroughs.
func (s *Solver) MergeCompositions() (int, error) {
	total := 0
	for {
		n, err := s.mergeCompositionPass()
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

func (s *Solver) mergeCompositionPass() (int, error) {
	g := s.tr.Graph()
	byModel := make(map[string][]*plan.Task)
	for _, t := range g.Tasks() {
		if !t.Composition || s.repl.Replaced(t.ID) {
			continue
		}
		byModel[t.Model] = append(byModel[t.Model], t)
	}

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	merged := 0
	for _, model := range models {
		group := byModel[model]
		if len(group) < 2 {
			continue
		}
		// Leaf-most first: compositions with no composition descendants
		// merge before the parents that contain them.
		sort.Slice(group, func(i, j int) bool {
			di, dj := s.compositionDepth(group[i].ID), s.compositionDepth(group[j].ID)
			if di != dj {
				return di < dj
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
				if !s.compatible(target, cand) || !s.compositionsEquivalent(target.ID, cand.ID) {
					s.invalid.Add(key, true)
					continue
				}
				if err := s.repl.Record(cand.ID, target.ID); err != nil {
					return merged, err
				}
				if err := s.tr.ReplaceTask(cand.ID, target.ID); err != nil {
					return merged, err
				}
				slog.Debug("merged composition",
					"loser", cand.ID,
					"survivor", target.ID,
					"model", target.Model,
				)
				s.invalid.Purge()
				merged++
			}
		}
	}
	return merged, nil
}

// compositionsEquivalent checks role-by-role child identity through the
// replacement graph, and rejects any composition that still holds
// abstract or placeholder children: those are not settled enough to
// compare.
func (s *Solver) compositionsEquivalent(a, b plan.TaskID) bool {
	g := s.tr.Graph()
	ca := s.childrenByRole(a)
	cb := s.childrenByRole(b)
	if len(ca) != len(cb) {
		return false
	}
	for role, childA := range ca {
		childB, ok := cb[role]
		if !ok {
			return false
		}
		ta, tb := g.Task(childA), g.Task(childB)
		if ta == nil || tb == nil {
			return false
		}
		if ta.Abstract || tb.Abstract || ta.Placeholder || tb.Placeholder {
			return false
		}
		if childA != childB {
			return false
		}
	}
	return s.exportsEqual(a, b)
}

// exportsEqual compares the exported passthroughs of two compositions as
// they exist in the graph: the set of (resolved child, child port,
// exported port) triples feeding the composition's own ports.
func (s *Solver) exportsEqual(a, b plan.TaskID) bool {
	ea := s.exportSet(a)
	eb := s.exportSet(b)
	if len(ea) != len(eb) {
		return false
	}
	for k := range ea {
		if !eb[k] {
			return false
		}
	}
	return true
}

type exportTriple struct {
	child     plan.TaskID
	childPort string
	port      string
}

func (s *Solver) exportSet(comp plan.TaskID) map[exportTriple]bool {
	g := s.tr.Graph()
	out := make(map[exportTriple]bool)
	for _, c := range g.InputsOf(comp) {
		out[exportTriple{s.repl.Resolve(c.Source), c.SourcePort, c.SinkPort}] = true
	}
	return out
}

func (s *Solver) childrenByRole(comp plan.TaskID) map[string]plan.TaskID {
	out := make(map[string]plan.TaskID)
	for _, d := range s.tr.Graph().Children(comp) {
		out[d.Role] = s.repl.Resolve(d.Child)
	}
	return out
}

// compositionDepth is the length of the longest chain of composition
// descendants below the task. Plain tasks have depth zero.
func (s *Solver) compositionDepth(id plan.TaskID) int {
	g := s.tr.Graph()
	depth := 0
	for _, d := range g.Children(id) {
		child := g.Task(d.Child)
		if child == nil || !child.Composition {
			continue
		}
		if cd := s.compositionDepth(d.Child) + 1; cd > depth {
			depth = cd
		}
	}
	return depth
}
