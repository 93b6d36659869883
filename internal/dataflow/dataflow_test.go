package dataflow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rock-core/tools-syskit-sub009/internal/dataflow"
	"github.com/rock-core/tools-syskit-sub009/internal/plan"
)

// fakeAnalysis is a minimal Analysis whose targets finalize once every
// trigger has finalized, regardless of mode. Seeds listed in seedFinal
// finalize immediately.
type fakeAnalysis struct {
	deps      map[dataflow.PortRef]dataflow.TriggerSet
	required  []dataflow.PortRef
	seedFinal map[plan.TaskID]bool
	seedErr   map[plan.TaskID]error
	stepErr   map[dataflow.PortRef]error

	finalized map[dataflow.PortRef]bool
	partial   map[dataflow.PortRef]bool
	stepOrder []dataflow.PortRef
	discarded bool
}

func newFake() *fakeAnalysis {
	return &fakeAnalysis{
		deps:      make(map[dataflow.PortRef]dataflow.TriggerSet),
		seedFinal: make(map[plan.TaskID]bool),
		seedErr:   make(map[plan.TaskID]error),
		stepErr:   make(map[dataflow.PortRef]error),
		finalized: make(map[dataflow.PortRef]bool),
		partial:   make(map[dataflow.PortRef]bool),
	}
}

func (f *fakeAnalysis) Seed(t *plan.Task) error {
	if err := f.seedErr[t.ID]; err != nil {
		return err
	}
	if f.seedFinal[t.ID] {
		f.finalized[dataflow.PortRef{Task: t.ID}] = true
	}
	return nil
}

func (f *fakeAnalysis) Dependencies(t *plan.Task) map[dataflow.PortRef]dataflow.TriggerSet {
	out := make(map[dataflow.PortRef]dataflow.TriggerSet)
	for ref, set := range f.deps {
		if ref.Task == t.ID {
			out[ref] = set
		}
	}
	return out
}

func (f *fakeAnalysis) Required([]*plan.Task) []dataflow.PortRef {
	return f.required
}

func (f *fakeAnalysis) Step(target dataflow.PortRef) (bool, error) {
	f.stepOrder = append(f.stepOrder, target)
	if err := f.stepErr[target]; err != nil {
		return false, err
	}
	for _, tr := range f.deps[target].Triggers {
		if !f.finalized[tr] {
			f.partial[target] = true
			return false, nil
		}
	}
	f.finalized[target] = true
	return true, nil
}

func (f *fakeAnalysis) Finalized(ref dataflow.PortRef) bool { return f.finalized[ref] }

func (f *fakeAnalysis) DiscardPartial() {
	f.discarded = true
	f.partial = make(map[dataflow.PortRef]bool)
}

func tasksOf(ids ...plan.TaskID) []*plan.Task {
	out := make([]*plan.Task, len(ids))
	for i, id := range ids {
		out[i] = &plan.Task{ID: id, Model: "m"}
	}
	return out
}

func TestPropagateResolvesChainLeavesFirst(t *testing.T) {
	f := newFake()
	a := dataflow.PortRef{Task: 1}
	b := dataflow.PortRef{Task: 2}
	c := dataflow.PortRef{Task: 3}

	f.seedFinal[1] = true
	f.deps[b] = dataflow.TriggerSet{Mode: dataflow.TriggerAll, Triggers: []dataflow.PortRef{a}}
	f.deps[c] = dataflow.TriggerSet{Mode: dataflow.TriggerAll, Triggers: []dataflow.PortRef{b}}
	f.required = []dataflow.PortRef{b, c}

	unresolved, err := dataflow.Propagate(f, tasksOf(1, 2, 3))
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	assert.Equal(t, []dataflow.PortRef{b, c}, f.stepOrder)
	assert.False(t, f.discarded)
}

func TestPropagateOrdersByUnresolvedFanIn(t *testing.T) {
	f := newFake()
	x := dataflow.PortRef{Task: 1}
	y := dataflow.PortRef{Task: 2}
	p := dataflow.PortRef{Task: 3}

	f.seedFinal[1] = true
	f.deps[y] = dataflow.TriggerSet{Mode: dataflow.TriggerAll, Triggers: []dataflow.PortRef{x}}
	f.deps[p] = dataflow.TriggerSet{Mode: dataflow.TriggerPartial, Triggers: []dataflow.PortRef{x, y}}
	f.required = []dataflow.PortRef{p, y}

	unresolved, err := dataflow.Propagate(f, tasksOf(1, 2, 3))
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	// y has no unresolved triggers at pass start, p has one, so y steps
	// first and p finalizes in the same pass.
	assert.Equal(t, []dataflow.PortRef{y, p}, f.stepOrder)
}

func TestPropagateDiscardsPartialOnDeadlock(t *testing.T) {
	f := newFake()
	b := dataflow.PortRef{Task: 2}
	c := dataflow.PortRef{Task: 3}

	// b and c wait on each other; neither can ever finalize.
	f.deps[b] = dataflow.TriggerSet{Mode: dataflow.TriggerAll, Triggers: []dataflow.PortRef{c}}
	f.deps[c] = dataflow.TriggerSet{Mode: dataflow.TriggerAll, Triggers: []dataflow.PortRef{b}}
	f.required = []dataflow.PortRef{b, c}

	unresolved, err := dataflow.Propagate(f, tasksOf(2, 3))
	require.NoError(t, err)
	assert.Equal(t, []dataflow.PortRef{b, c}, unresolved)
	assert.True(t, f.discarded)
	assert.Empty(t, f.partial)
}

func TestPropagateTriggerModes(t *testing.T) {
	ready := dataflow.PortRef{Task: 1}
	missing := dataflow.PortRef{Task: 2}
	target := dataflow.PortRef{Task: 3}

	cases := []struct {
		name    string
		mode    dataflow.TriggerMode
		stepped bool
	}{
		{"all waits for every trigger", dataflow.TriggerAll, false},
		{"any steps on the first trigger", dataflow.TriggerAny, true},
		{"partial steps on the first trigger", dataflow.TriggerPartial, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFake()
			f.seedFinal[1] = true
			f.deps[target] = dataflow.TriggerSet{Mode: tc.mode, Triggers: []dataflow.PortRef{ready, missing}}
			f.required = []dataflow.PortRef{target}

			_, err := dataflow.Propagate(f, tasksOf(1, 2, 3))
			require.NoError(t, err)
			if tc.stepped {
				assert.Equal(t, []dataflow.PortRef{target}, f.stepOrder)
			} else {
				assert.Empty(t, f.stepOrder)
			}
		})
	}
}

func TestPropagateWrapsErrors(t *testing.T) {
	f := newFake()
	f.seedErr[1] = errors.New("boom")
	_, err := dataflow.Propagate(f, tasksOf(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seeding task 1")

	f = newFake()
	target := dataflow.PortRef{Task: 1, Port: "out"}
	f.required = []dataflow.PortRef{target}
	f.stepErr[target] = errors.New("boom")
	_, err = dataflow.Propagate(f, tasksOf(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "propagating task 1 port out")
}
