package plan

import "fmt"

// TaskID is a stable integer identifier for a task node. IDs are assigned
// by the graph that created the task and are never reused, so they remain
// valid across transactions layered on the same base graph.
type TaskID int

// NoTask is the zero TaskID, used where a task reference is optional.
const NoTask TaskID = 0

// PolicyKind is the buffering discipline of a connection.
type PolicyKind string

const (
	// PolicyData is a single-slot, latest-value-wins connection.
	PolicyData PolicyKind = "data"

	// PolicyBuffer is a sized FIFO queue. Size must be positive for the
	// policy to be fully specified.
	PolicyBuffer PolicyKind = "buffer"
)

// Policy describes how samples travel across a connection. A nil *Policy
// on a connection means the policy is unresolved and pending computation.
type Policy struct {
	Kind PolicyKind
	Size int // meaningful for PolicyBuffer only
}

// FullySpecified reports whether the policy needs no further computation.
// A data policy is always complete; a buffer policy needs a positive size.
func (p Policy) FullySpecified() bool {
	switch p.Kind {
	case PolicyData:
		return true
	case PolicyBuffer:
		return p.Size > 0
	default:
		return false
	}
}

func (p Policy) String() string {
	if p.Kind == PolicyBuffer {
		return fmt.Sprintf("buffer[%d]", p.Size)
	}
	return string(p.Kind)
}

// Binding ties a task to a deployment: the named process bundle that will
// host it and the process-local name of the task inside that bundle.
type Binding struct {
	Deployment string
	TaskName   string
}

func (b Binding) String() string {
	return b.Deployment + "/" + b.TaskName
}

// Task is one component instance in the plan.
//
// A task is abstract while no concrete implementation model has been
// chosen for it; abstract tasks must all be resolved away before a
// network can be committed. Placeholder tasks are transactional proxies
// for objects that exist outside the plan (a live process, a device);
// merges and garbage collection unlink them but never delete them.
type Task struct {
	ID          TaskID
	Model       string
	Abstract    bool
	Composition bool
	Placeholder bool
	Arguments   map[string]string
	Deployment  *Binding

	// Mission and Permanent mark toplevel tasks: roots the garbage
	// collector must never reap. They are reassigned to the final
	// representative when a resolution commits.
	Mission   bool
	Permanent bool
}

func (t *Task) clone() *Task {
	c := *t
	if t.Arguments != nil {
		c.Arguments = make(map[string]string, len(t.Arguments))
		for k, v := range t.Arguments {
			c.Arguments[k] = v
		}
	}
	if t.Deployment != nil {
		b := *t.Deployment
		c.Deployment = &b
	}
	return &c
}

// Connection is a directed dataflow edge from an output port of Source to
// an input port of Sink.
type Connection struct {
	Source     TaskID
	SourcePort string
	Sink       TaskID
	SinkPort   string
	Policy     *Policy
}

// Key identifies a connection independent of its policy.
func (c Connection) Key() ConnKey {
	return ConnKey{c.Source, c.SourcePort, c.Sink, c.SinkPort}
}

// ConnKey is the identity of a connection: both endpoints, both ports.
type ConnKey struct {
	Source     TaskID
	SourcePort string
	Sink       TaskID
	SinkPort   string
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%d.%s -> %d.%s", k.Source, k.SourcePort, k.Sink, k.SinkPort)
}

// Dependency is a directed edge from a parent task (typically a
// composition) to a child, annotated with the role the child plays.
type Dependency struct {
	Parent TaskID
	Child  TaskID
	Role   string
}
