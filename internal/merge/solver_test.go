package merge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rock-core/tools-syskit-sub009/internal/merge"
	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/registry"
)

const solverModels = `
task_models:
  - name: proc::Task
    activity: {kind: triggered}
    ports:
      - {name: in, direction: in, triggers_task: true}
      - {name: out, direction: out}
  - name: src::Task
    activity: {kind: periodic, period: 1.0}
    ports:
      - {name: out, direction: out}
  - name: mux::Task
    activity: {kind: triggered}
    ports:
      - {name: in, direction: in, triggers_task: true, multiplexes: true}
compositions:
  - name: Pipeline
    roles:
      - {name: stage, model: proc::Task}
`

type solverFixture struct {
	tr   *plan.Transaction
	g    *plan.Graph
	repl *merge.ReplacementGraph
	s    *merge.Solver
}

func newSolverFixture(t *testing.T) *solverFixture {
	t.Helper()
	reg, err := registry.Parse([]byte(solverModels))
	require.NoError(t, err)
	tr, err := plan.Begin(plan.NewGraph())
	require.NoError(t, err)
	t.Cleanup(func() {
		if tr.Open() {
			tr.Discard()
		}
	})
	repl := merge.NewReplacementGraph()
	return &solverFixture{tr: tr, g: tr.Graph(), repl: repl, s: merge.NewSolver(tr, reg, repl)}
}

func connect(t *testing.T, g *plan.Graph, src *plan.Task, sp string, sink *plan.Task, kp string) {
	t.Helper()
	require.NoError(t, g.Connect(plan.Connection{Source: src.ID, SourcePort: sp, Sink: sink.ID, SinkPort: kp}))
}

func TestMergeTasksResolvesDeferredSubMerges(t *testing.T) {
	f := newSolverFixture(t)
	// proc::Task is compared before src::Task, so the processors meet
	// while their upstream sources are still distinct: the source fold is
	// deferred inside the same merge resolution and applied atomically
	// with it.
	src1 := f.g.AddTask(plan.Task{Model: "src::Task"})
	src2 := f.g.AddTask(plan.Task{Model: "src::Task"})
	proc1 := f.g.AddTask(plan.Task{Model: "proc::Task"})
	proc2 := f.g.AddTask(plan.Task{Model: "proc::Task"})
	connect(t, f.g, src1, "out", proc1, "in")
	connect(t, f.g, src2, "out", proc2, "in")

	n, err := f.s.MergeTasks()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// One source, one processor, one edge between them.
	require.Len(t, f.g.Tasks(), 2)
	conns := f.g.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, f.repl.Resolve(src1.ID), conns[0].Source)
	assert.Equal(t, f.repl.Resolve(proc1.ID), conns[0].Sink)
	assert.Equal(t, f.repl.Resolve(src1.ID), f.repl.Resolve(src2.ID))
}

func TestMergeTasksFoldsSharedUpstream(t *testing.T) {
	f := newSolverFixture(t)
	// Two processors already fed by the same source merge directly.
	src := f.g.AddTask(plan.Task{Model: "src::Task"})
	proc1 := f.g.AddTask(plan.Task{Model: "proc::Task"})
	proc2 := f.g.AddTask(plan.Task{Model: "proc::Task"})
	connect(t, f.g, src, "out", proc1, "in")
	connect(t, f.g, src, "out", proc2, "in")

	n, err := f.s.MergeTasks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.g.Tasks(), 2)
	assert.Len(t, f.g.Connections(), 1)
}

func TestMergeTasksKeepsDifferentArguments(t *testing.T) {
	f := newSolverFixture(t)
	f.g.AddTask(plan.Task{Model: "src::Task", Arguments: map[string]string{"rate": "10"}})
	f.g.AddTask(plan.Task{Model: "src::Task", Arguments: map[string]string{"rate": "20"}})

	n, err := f.s.MergeTasks()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.g.Tasks(), 2)
}

func TestMergeTasksKeepsConflictingDeployments(t *testing.T) {
	f := newSolverFixture(t)
	a := f.g.AddTask(plan.Task{Model: "src::Task"})
	b := f.g.AddTask(plan.Task{Model: "src::Task"})
	a.Deployment = &plan.Binding{Deployment: "d1", TaskName: "t0"}
	b.Deployment = &plan.Binding{Deployment: "d2", TaskName: "t0"}

	n, err := f.s.MergeTasks()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMergeTasksSkipsAbstractAndCompositions(t *testing.T) {
	f := newSolverFixture(t)
	f.g.AddTask(plan.Task{Model: "Camera", Abstract: true})
	f.g.AddTask(plan.Task{Model: "Camera", Abstract: true})
	f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})

	n, err := f.s.MergeTasks()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.g.Tasks(), 4)
}

func TestMergeCarriesLoserMarkers(t *testing.T) {
	f := newSolverFixture(t)
	a := f.g.AddTask(plan.Task{Model: "src::Task"})
	b := f.g.AddTask(plan.Task{Model: "src::Task"})
	b.Mission = true
	b.Deployment = &plan.Binding{Deployment: "d1", TaskName: "t0"}

	n, err := f.s.MergeTasks()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	survivor := f.g.Task(f.repl.Resolve(a.ID))
	require.NotNil(t, survivor)
	assert.True(t, survivor.Mission)
	require.NotNil(t, survivor.Deployment)
	assert.Equal(t, "d1", survivor.Deployment.Deployment)
}

func TestMergeAcceptsMultiplexedInputs(t *testing.T) {
	f := newSolverFixture(t)
	srcA := f.g.AddTask(plan.Task{Model: "src::Task", Arguments: map[string]string{"id": "a"}})
	srcB := f.g.AddTask(plan.Task{Model: "src::Task", Arguments: map[string]string{"id": "b"}})
	mux1 := f.g.AddTask(plan.Task{Model: "mux::Task"})
	mux2 := f.g.AddTask(plan.Task{Model: "mux::Task"})
	connect(t, f.g, srcA, "out", mux1, "in")
	connect(t, f.g, srcB, "out", mux2, "in")

	n, err := f.s.MergeTasks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	survivor := f.repl.Resolve(mux1.ID)
	assert.Len(t, f.g.InputsOf(survivor), 2)
	// The incompatible sources themselves stay separate.
	assert.NotEqual(t, f.repl.Resolve(srcA.ID), f.repl.Resolve(srcB.ID))
}

func TestMergeRejectsConflictingPolicies(t *testing.T) {
	f := newSolverFixture(t)
	src := f.g.AddTask(plan.Task{Model: "src::Task"})
	proc1 := f.g.AddTask(plan.Task{Model: "proc::Task"})
	proc2 := f.g.AddTask(plan.Task{Model: "proc::Task"})
	require.NoError(t, f.g.Connect(plan.Connection{
		Source: src.ID, SourcePort: "out", Sink: proc1.ID, SinkPort: "in",
		Policy: &plan.Policy{Kind: plan.PolicyBuffer, Size: 4},
	}))
	require.NoError(t, f.g.Connect(plan.Connection{
		Source: src.ID, SourcePort: "out", Sink: proc2.ID, SinkPort: "in",
		Policy: &plan.Policy{Kind: plan.PolicyData},
	}))

	n, err := f.s.MergeTasks()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMergeRejectsConflictingPoliciesAcrossDeferredSources(t *testing.T) {
	f := newSolverFixture(t)
	// Deferred-sub-merge topology, but the two sink edges carry different
	// fully-specified policies: folding the processors would collapse
	// both edges onto one connection and silently drop a buffer size.
	src1 := f.g.AddTask(plan.Task{Model: "src::Task"})
	src2 := f.g.AddTask(plan.Task{Model: "src::Task"})
	proc1 := f.g.AddTask(plan.Task{Model: "proc::Task"})
	proc2 := f.g.AddTask(plan.Task{Model: "proc::Task"})
	require.NoError(t, f.g.Connect(plan.Connection{
		Source: src1.ID, SourcePort: "out", Sink: proc1.ID, SinkPort: "in",
		Policy: &plan.Policy{Kind: plan.PolicyBuffer, Size: 4},
	}))
	require.NoError(t, f.g.Connect(plan.Connection{
		Source: src2.ID, SourcePort: "out", Sink: proc2.ID, SinkPort: "in",
		Policy: &plan.Policy{Kind: plan.PolicyBuffer, Size: 2},
	}))

	_, err := f.s.MergeTasks()
	require.NoError(t, err)

	// The sources may still fold (their contexts agree), the processors
	// must not: both sized edges survive.
	assert.NotEqual(t, f.repl.Resolve(proc1.ID), f.repl.Resolve(proc2.ID))
	conns := f.g.Connections()
	require.Len(t, conns, 2)
	sizes := make(map[int]bool)
	for _, c := range conns {
		require.NotNil(t, c.Policy)
		sizes[c.Policy.Size] = true
	}
	assert.True(t, sizes[4], "buffer[4] edge lost")
	assert.True(t, sizes[2], "buffer[2] edge lost")
}

func TestMergePair(t *testing.T) {
	f := newSolverFixture(t)
	a := f.g.AddTask(plan.Task{Model: "src::Task"})
	b := f.g.AddTask(plan.Task{Model: "src::Task"})
	c := f.g.AddTask(plan.Task{Model: "src::Task", Arguments: map[string]string{"rate": "10"}})

	ok, err := f.s.MergePair(a.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, ok, "incompatible pair is a normal negative")

	ok, err = f.s.MergePair(a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, a.ID, f.repl.Resolve(b.ID))
	assert.False(t, f.g.HasTask(b.ID))

	ok, err = f.s.MergePair(a.ID, plan.TaskID(99))
	require.NoError(t, err)
	assert.False(t, ok, "missing task is a normal negative")
}

func TestMergeCompositions(t *testing.T) {
	f := newSolverFixture(t)
	stage := f.g.AddTask(plan.Task{Model: "proc::Task"})
	comp1 := f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	comp2 := f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	require.NoError(t, f.g.AddDependency(plan.Dependency{Parent: comp1.ID, Child: stage.ID, Role: "stage"}))
	require.NoError(t, f.g.AddDependency(plan.Dependency{Parent: comp2.ID, Child: stage.ID, Role: "stage"}))
	// Both export the stage's output identically.
	connect(t, f.g, stage, "out", comp1, "result")
	connect(t, f.g, stage, "out", comp2, "result")

	n, err := f.s.MergeCompositions()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	survivor := f.repl.Resolve(comp2.ID)
	assert.Equal(t, f.repl.Resolve(comp1.ID), survivor)
	require.Len(t, f.g.Children(survivor), 1)
}

func TestMergeCompositionsRejectsDifferentChildren(t *testing.T) {
	f := newSolverFixture(t)
	stage1 := f.g.AddTask(plan.Task{Model: "proc::Task", Arguments: map[string]string{"id": "1"}})
	stage2 := f.g.AddTask(plan.Task{Model: "proc::Task", Arguments: map[string]string{"id": "2"}})
	comp1 := f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	comp2 := f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	require.NoError(t, f.g.AddDependency(plan.Dependency{Parent: comp1.ID, Child: stage1.ID, Role: "stage"}))
	require.NoError(t, f.g.AddDependency(plan.Dependency{Parent: comp2.ID, Child: stage2.ID, Role: "stage"}))

	n, err := f.s.MergeCompositions()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMergeCompositionsRejectsDifferentExports(t *testing.T) {
	f := newSolverFixture(t)
	stage := f.g.AddTask(plan.Task{Model: "proc::Task"})
	comp1 := f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	comp2 := f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	require.NoError(t, f.g.AddDependency(plan.Dependency{Parent: comp1.ID, Child: stage.ID, Role: "stage"}))
	require.NoError(t, f.g.AddDependency(plan.Dependency{Parent: comp2.ID, Child: stage.ID, Role: "stage"}))
	connect(t, f.g, stage, "out", comp1, "result")

	n, err := f.s.MergeCompositions()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMergeCompositionsRejectsAbstractChildren(t *testing.T) {
	f := newSolverFixture(t)
	stage := f.g.AddTask(plan.Task{Model: "Camera", Abstract: true})
	comp1 := f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	comp2 := f.g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	require.NoError(t, f.g.AddDependency(plan.Dependency{Parent: comp1.ID, Child: stage.ID, Role: "stage"}))
	require.NoError(t, f.g.AddDependency(plan.Dependency{Parent: comp2.ID, Child: stage.ID, Role: "stage"}))

	n, err := f.s.MergeCompositions()
	require.NoError(t, err)
	assert.Zero(t, n)
}
