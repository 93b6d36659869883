// Package dataflow provides a generic fixed-point propagation framework
// over a task graph. A concrete analysis supplies seeding, trigger
// dependencies, the set of information it must resolve, and a single
// propagation step; the framework owns ordering, termination and
// deadlock handling.
package dataflow

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
)

// PortRef addresses one piece of per-port information: a port of a task,
// or the task itself when Port is empty.
type PortRef struct {
	Task plan.TaskID
	Port string
}

func (r PortRef) String() string {
	if r.Port == "" {
		return fmt.Sprintf("task %d", r.Task)
	}
	return fmt.Sprintf("task %d port %s", r.Task, r.Port)
}

// TriggerMode classifies how a trigger set gates propagation.
type TriggerMode int

const (
	// TriggerAll requires every trigger to be finalized before the
	// target may be finalized.
	TriggerAll TriggerMode = iota

	// TriggerAny permits propagation as soon as any single trigger is
	// finalized; the first finalized trigger decides the result.
	TriggerAny

	// TriggerPartial permits propagation as soon as any trigger has
	// data, and every partial contribution is merged in; finalization
	// still waits for all triggers.
	TriggerPartial
)

// TriggerSet is the gating condition of one propagation target.
type TriggerSet struct {
	Mode     TriggerMode
	Triggers []PortRef
}

// Analysis is the contract a concrete propagation algorithm implements.
// Only one concrete instance exists today (the timing analysis), but the
// driver makes no assumption beyond these five operations.
type Analysis interface {
	// Seed computes whatever information is available for the task
	// independent of its connections.
	Seed(t *plan.Task) error

	// Dependencies lists, for each information target on the task, the
	// trigger set that gates its computation.
	Dependencies(t *plan.Task) map[PortRef]TriggerSet

	// Required returns the targets that must be resolved for the
	// analysis to be considered successful.
	Required(tasks []*plan.Task) []PortRef

	// Step attempts one propagation of the target, merging everything
	// currently available from its triggers. It returns true once the
	// target is finalized.
	Step(target PortRef) (bool, error)

	// Finalized reports whether the target's information is complete.
	Finalized(ref PortRef) bool

	// DiscardPartial drops every non-finalized or empty result. Called
	// once when propagation reaches a fixed point short of completion,
	// so that partial data is never mistaken for an answer.
	DiscardPartial()
}

// Propagate drives the analysis to a fixed point over the given tasks.
//
// Targets are attempted in ascending order of unresolved trigger fan-in,
// so leaves propagate before the tasks that depend on them. The loop ends
// when every required target is finalized, or when a full pass makes no
// progress; in the latter case partial results are discarded and the
// still-unresolved targets are returned. An error from Step is wrapped
// with target context and aborts propagation: it indicates a bug in the
// analysis, not a normal runtime condition.
func Propagate(a Analysis, tasks []*plan.Task) ([]PortRef, error) {
	for _, t := range tasks {
		if err := a.Seed(t); err != nil {
			return nil, fmt.Errorf("seeding task %d (%s): %w", t.ID, t.Model, err)
		}
	}

	deps := make(map[PortRef]TriggerSet)
	for _, t := range tasks {
		for ref, set := range a.Dependencies(t) {
			deps[ref] = set
		}
	}

	pending := make(map[PortRef]bool)
	for _, ref := range a.Required(tasks) {
		if !a.Finalized(ref) {
			pending[ref] = true
		}
	}

	for len(pending) > 0 {
		progress := false
		for _, ref := range orderByFanIn(a, pending, deps) {
			set := deps[ref]
			if !satisfied(a, set) {
				continue
			}
			done, err := a.Step(ref)
			if err != nil {
				return nil, fmt.Errorf("propagating %s: %w", ref, err)
			}
			if done {
				delete(pending, ref)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if len(pending) == 0 {
		return nil, nil
	}

	unresolved := make([]PortRef, 0, len(pending))
	for ref := range pending {
		unresolved = append(unresolved, ref)
	}
	sortRefs(unresolved)
	slog.Debug("dataflow propagation reached fixed point with unresolved targets",
		"unresolved", len(unresolved),
	)
	a.DiscardPartial()
	return unresolved, nil
}

// satisfied evaluates a trigger set against the current analysis state.
// An empty trigger set is trivially satisfied.
func satisfied(a Analysis, set TriggerSet) bool {
	if len(set.Triggers) == 0 {
		return true
	}
	switch set.Mode {
	case TriggerAll:
		for _, tr := range set.Triggers {
			if !a.Finalized(tr) {
				return false
			}
		}
		return true
	case TriggerAny, TriggerPartial:
		for _, tr := range set.Triggers {
			if a.Finalized(tr) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// orderByFanIn sorts pending targets by their number of not-yet-finalized
// triggers, fewest first, with the PortRef itself as tiebreak for
// determinism.
func orderByFanIn(a Analysis, pending map[PortRef]bool, deps map[PortRef]TriggerSet) []PortRef {
	refs := make([]PortRef, 0, len(pending))
	for ref := range pending {
		refs = append(refs, ref)
	}
	unresolved := func(ref PortRef) int {
		n := 0
		for _, tr := range deps[ref].Triggers {
			if !a.Finalized(tr) {
				n++
			}
		}
		return n
	}
	sort.Slice(refs, func(i, j int) bool {
		ui, uj := unresolved(refs[i]), unresolved(refs[j])
		if ui != uj {
			return ui < uj
		}
		return lessRef(refs[i], refs[j])
	})
	return refs
}

func sortRefs(refs []PortRef) {
	sort.Slice(refs, func(i, j int) bool { return lessRef(refs[i], refs[j]) })
}

func lessRef(a, b PortRef) bool {
	if a.Task != b.Task {
		return a.Task < b.Task
	}
	return a.Port < b.Port
}
