package plan

import (
	"fmt"
	"sort"
)

// Graph is a set of tasks plus the connection and dependency relations
// between them. The zero value is not usable; call NewGraph.
//
// A Graph is not safe for concurrent mutation. The resolution pipeline is
// single-threaded and the only concurrent access is read-only queries
// from diagnostics, which callers must serialize themselves.
type Graph struct {
	nextID TaskID
	tasks  map[TaskID]*Task
	conns  map[ConnKey]*Connection
	deps   map[Dependency]struct{}

	// inFlight guards the one-transaction-at-a-time discipline. Only one
	// resolution may be working toward a commit on a given base graph.
	inFlight bool
}

// NewGraph creates an empty graph. Task IDs start at 1 so that the zero
// TaskID stays free as a sentinel.
func NewGraph() *Graph {
	return &Graph{
		nextID: 1,
		tasks:  make(map[TaskID]*Task),
		conns:  make(map[ConnKey]*Connection),
		deps:   make(map[Dependency]struct{}),
	}
}

// AddTask inserts a new task and assigns its ID. The returned pointer is
// owned by the graph; callers mutate it only through graph operations.
func (g *Graph) AddTask(t Task) *Task {
	t.ID = g.nextID
	g.nextID++
	stored := t.clone()
	stored.ID = t.ID
	g.tasks[stored.ID] = stored
	return stored
}

// Task returns the task with the given ID, or nil.
func (g *Graph) Task(id TaskID) *Task {
	return g.tasks[id]
}

// HasTask reports whether the task exists in this graph.
func (g *Graph) HasTask(id TaskID) bool {
	_, ok := g.tasks[id]
	return ok
}

// Tasks returns all tasks in ascending ID order. Deterministic ordering
// keeps every downstream pass (merging, propagation, rendering) stable.
func (g *Graph) Tasks() []*Task {
	ids := make([]TaskID, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Task, len(ids))
	for i, id := range ids {
		out[i] = g.tasks[id]
	}
	return out
}

// Connect adds (or overwrites) a dataflow connection. Both endpoints must
// exist.
func (g *Graph) Connect(c Connection) error {
	if !g.HasTask(c.Source) {
		return fmt.Errorf("connect %s: source task %d not in graph", c.Key(), c.Source)
	}
	if !g.HasTask(c.Sink) {
		return fmt.Errorf("connect %s: sink task %d not in graph", c.Key(), c.Sink)
	}
	stored := c
	if c.Policy != nil {
		p := *c.Policy
		stored.Policy = &p
	}
	g.conns[c.Key()] = &stored
	return nil
}

// Disconnect removes a connection by identity. Removing a connection that
// does not exist is a no-op.
func (g *Graph) Disconnect(k ConnKey) {
	delete(g.conns, k)
}

// Connections returns all connections in deterministic order.
func (g *Graph) Connections() []*Connection {
	keys := make([]ConnKey, 0, len(g.conns))
	for k := range g.conns {
		keys = append(keys, k)
	}
	sortConnKeys(keys)
	out := make([]*Connection, len(keys))
	for i, k := range keys {
		out[i] = g.conns[k]
	}
	return out
}

// InputsOf returns the connections whose sink is the given task.
func (g *Graph) InputsOf(id TaskID) []*Connection {
	var out []*Connection
	for _, c := range g.Connections() {
		if c.Sink == id {
			out = append(out, c)
		}
	}
	return out
}

// OutputsOf returns the connections whose source is the given task.
func (g *Graph) OutputsOf(id TaskID) []*Connection {
	var out []*Connection
	for _, c := range g.Connections() {
		if c.Source == id {
			out = append(out, c)
		}
	}
	return out
}

// AddDependency records a parent→child role edge. Both tasks must exist.
func (g *Graph) AddDependency(d Dependency) error {
	if !g.HasTask(d.Parent) {
		return fmt.Errorf("dependency %q: parent task %d not in graph", d.Role, d.Parent)
	}
	if !g.HasTask(d.Child) {
		return fmt.Errorf("dependency %q: child task %d not in graph", d.Role, d.Child)
	}
	g.deps[d] = struct{}{}
	return nil
}

// RemoveDependency removes a role edge. Missing edges are a no-op.
func (g *Graph) RemoveDependency(d Dependency) {
	delete(g.deps, d)
}

// Dependencies returns all role edges in deterministic order.
func (g *Graph) Dependencies() []Dependency {
	out := make([]Dependency, 0, len(g.deps))
	for d := range g.deps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Parent != b.Parent {
			return a.Parent < b.Parent
		}
		if a.Child != b.Child {
			return a.Child < b.Child
		}
		return a.Role < b.Role
	})
	return out
}

// Children returns the role edges rooted at the given parent.
func (g *Graph) Children(parent TaskID) []Dependency {
	var out []Dependency
	for _, d := range g.Dependencies() {
		if d.Parent == parent {
			out = append(out, d)
		}
	}
	return out
}

// Parents returns the role edges pointing at the given child.
func (g *Graph) Parents(child TaskID) []Dependency {
	var out []Dependency
	for _, d := range g.Dependencies() {
		if d.Child == child {
			out = append(out, d)
		}
	}
	return out
}

// RemoveTask deletes a task together with every connection and dependency
// edge touching it, so dangling edges cannot exist.
func (g *Graph) RemoveTask(id TaskID) {
	if !g.HasTask(id) {
		return
	}
	for k := range g.conns {
		if k.Source == id || k.Sink == id {
			delete(g.conns, k)
		}
	}
	for d := range g.deps {
		if d.Parent == id || d.Child == id {
			delete(g.deps, d)
		}
	}
	delete(g.tasks, id)
}

// Unlink removes every edge touching the task but keeps the node itself.
// Used for placeholder tasks that proxy real external objects.
func (g *Graph) Unlink(id TaskID) {
	for k := range g.conns {
		if k.Source == id || k.Sink == id {
			delete(g.conns, k)
		}
	}
	for d := range g.deps {
		if d.Parent == id || d.Child == id {
			delete(g.deps, d)
		}
	}
}

// ReplaceTask rewrites every connection and dependency edge referencing
// old so it references new instead. The old task itself is left in place;
// callers decide whether to remove or unlink it.
func (g *Graph) ReplaceTask(old, new TaskID) error {
	if old == new {
		return fmt.Errorf("replace task %d with itself", old)
	}
	if !g.HasTask(old) || !g.HasTask(new) {
		return fmt.Errorf("replace task %d -> %d: task not in graph", old, new)
	}
	for k, c := range g.conns {
		if k.Source != old && k.Sink != old {
			continue
		}
		delete(g.conns, k)
		nc := *c
		if nc.Source == old {
			nc.Source = new
		}
		if nc.Sink == old {
			nc.Sink = new
		}
		// Self-loops produced by folding both ends of an edge onto the
		// survivor are dropped rather than kept.
		if nc.Source == nc.Sink {
			continue
		}
		g.conns[nc.Key()] = &nc
	}
	for d := range g.deps {
		if d.Parent != old && d.Child != old {
			continue
		}
		delete(g.deps, d)
		nd := d
		if nd.Parent == old {
			nd.Parent = new
		}
		if nd.Child == old {
			nd.Child = new
		}
		if nd.Parent == nd.Child {
			continue
		}
		g.deps[nd] = struct{}{}
	}
	return nil
}

// CollectUnreachable removes every non-placeholder task unreachable from
// the given roots (plus all mission/permanent tasks) by walking dependency
// edges parent-to-child. onRemove, if non-nil, is invoked once per removed
// task before removal. Placeholder tasks are unlinked, not removed.
func (g *Graph) CollectUnreachable(roots []TaskID, onRemove func(*Task)) int {
	reachable := make(map[TaskID]bool)
	var queue []TaskID
	mark := func(id TaskID) {
		if !reachable[id] && g.HasTask(id) {
			reachable[id] = true
			queue = append(queue, id)
		}
	}
	for _, id := range roots {
		mark(id)
	}
	for _, t := range g.Tasks() {
		if t.Mission || t.Permanent {
			mark(t.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range g.Children(id) {
			mark(d.Child)
		}
		// A reachable sink keeps its data sources alive: removing a task
		// that still feeds the network would sever live dataflow.
		for _, c := range g.InputsOf(id) {
			mark(c.Source)
		}
	}

	removed := 0
	for _, t := range g.Tasks() {
		if reachable[t.ID] {
			continue
		}
		if t.Placeholder {
			g.Unlink(t.ID)
			continue
		}
		if onRemove != nil {
			onRemove(t)
		}
		g.RemoveTask(t.ID)
		removed++
	}
	return removed
}

func sortConnKeys(keys []ConnKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.SourcePort != b.SourcePort {
			return a.SourcePort < b.SourcePort
		}
		if a.Sink != b.Sink {
			return a.Sink < b.Sink
		}
		return a.SinkPort < b.SinkPort
	})
}
