package dynamics

import (
	"fmt"

	"github.com/rock-core/tools-syskit-sub009/internal/dataflow"
	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/registry"
)

// Analysis is the timing instance of the dataflow fixed-point framework.
// It resolves, for every deployed task, the task-level trigger dynamics
// and the dynamics of every connected output port.
type Analysis struct {
	graph *plan.Graph
	reg   *registry.Registry

	tasks map[plan.TaskID]*PortDynamics
	ports map[dataflow.PortRef]*PortDynamics
}

// NewAnalysis creates a timing analysis over the given working graph.
func NewAnalysis(g *plan.Graph, reg *registry.Registry) *Analysis {
	return &Analysis{
		graph: g,
		reg:   reg,
		tasks: make(map[plan.TaskID]*PortDynamics),
		ports: make(map[dataflow.PortRef]*PortDynamics),
	}
}

// TaskDynamics returns the task-level dynamics record, or nil.
func (a *Analysis) TaskDynamics(id plan.TaskID) *PortDynamics {
	return a.tasks[id]
}

// PortDynamics returns the dynamics of one port, or nil.
func (a *Analysis) PortDynamics(id plan.TaskID, port string) *PortDynamics {
	return a.ports[dataflow.PortRef{Task: id, Port: port}]
}

// analyzable filters out tasks the timing analysis has nothing to say
// about: compositions, abstract stand-ins and unmodeled placeholders.
func (a *Analysis) analyzable(t *plan.Task) *registry.TaskModel {
	if t == nil || t.Composition || t.Abstract {
		return nil
	}
	return a.reg.TaskModelOf(t.Model)
}

// Seed computes connection-independent dynamics: periodic activities get
// a period trigger, device-driven tasks the device's period and burst.
// Both are final immediately; triggered and slave tasks start empty.
func (a *Analysis) Seed(t *plan.Task) error {
	md := a.analyzable(t)
	if md == nil {
		return nil
	}
	dyn := &PortDynamics{}
	a.tasks[t.ID] = dyn

	seeded := false
	if md.Activity.Kind == registry.ActivityPeriodic {
		if err := dyn.AddTrigger(Trigger{
			Name:        fmt.Sprintf("periodic:%d", t.ID),
			Period:      md.Activity.Period,
			SampleCount: 1,
		}); err != nil {
			return err
		}
		seeded = true
	}
	if devName := t.Arguments["device"]; devName != "" {
		dev := a.reg.DeviceOf(devName)
		if dev == nil {
			return fmt.Errorf("task %d references unknown device %s", t.ID, devName)
		}
		burst := dev.Burst
		if burst < 1 {
			burst = 1
		}
		if err := dyn.AddTrigger(Trigger{
			Name:        "device:" + devName,
			Period:      dev.Period,
			SampleCount: burst,
		}); err != nil {
			return err
		}
		seeded = true
	}
	if seeded {
		return dyn.Finalize()
	}
	return nil
}

// Dependencies declares what gates each target on the task:
//
//   - a triggered task waits for all of its triggering input ports;
//   - a slave task waits for its master task (an explicit trigger, so
//     ordering never depends on traversal luck);
//   - a connected input port merges partial contributions from every
//     source output port;
//   - an output port derives from the task-level dynamics.
func (a *Analysis) Dependencies(t *plan.Task) map[dataflow.PortRef]dataflow.TriggerSet {
	md := a.analyzable(t)
	if md == nil {
		return nil
	}
	deps := make(map[dataflow.PortRef]dataflow.TriggerSet)
	taskRef := dataflow.PortRef{Task: t.ID}

	switch md.Activity.Kind {
	case registry.ActivityTriggered:
		var triggers []dataflow.PortRef
		for _, p := range md.Ports {
			if p.TriggersTask {
				triggers = append(triggers, dataflow.PortRef{Task: t.ID, Port: p.Name})
			}
		}
		deps[taskRef] = dataflow.TriggerSet{Mode: dataflow.TriggerAll, Triggers: triggers}
	case registry.ActivitySlave:
		if master := a.masterOf(t.ID); master != plan.NoTask {
			deps[taskRef] = dataflow.TriggerSet{
				Mode:     dataflow.TriggerAll,
				Triggers: []dataflow.PortRef{{Task: master}},
			}
		} else {
			// No master in the graph: unresolvable, reported by the
			// framework rather than silently finalized empty.
			deps[taskRef] = dataflow.TriggerSet{
				Mode:     dataflow.TriggerAll,
				Triggers: []dataflow.PortRef{{Task: plan.NoTask}},
			}
		}
	default:
		deps[taskRef] = dataflow.TriggerSet{}
	}

	byInput := make(map[string][]dataflow.PortRef)
	for _, c := range a.graph.InputsOf(t.ID) {
		byInput[c.SinkPort] = append(byInput[c.SinkPort],
			dataflow.PortRef{Task: c.Source, Port: c.SourcePort})
	}
	for port, sources := range byInput {
		deps[dataflow.PortRef{Task: t.ID, Port: port}] = dataflow.TriggerSet{
			Mode:     dataflow.TriggerPartial,
			Triggers: sources,
		}
	}

	seenOut := make(map[string]bool)
	for _, c := range a.graph.OutputsOf(t.ID) {
		if seenOut[c.SourcePort] {
			continue
		}
		seenOut[c.SourcePort] = true
		deps[dataflow.PortRef{Task: t.ID, Port: c.SourcePort}] = dataflow.TriggerSet{
			Mode:     dataflow.TriggerAll,
			Triggers: []dataflow.PortRef{taskRef},
		}
	}
	return deps
}

// Required lists what must resolve: task-level dynamics for every
// analyzable task, every triggering input port that has sources, and
// every output port with at least one outgoing connection.
func (a *Analysis) Required(tasks []*plan.Task) []dataflow.PortRef {
	var out []dataflow.PortRef
	for _, t := range tasks {
		md := a.analyzable(t)
		if md == nil {
			continue
		}
		out = append(out, dataflow.PortRef{Task: t.ID})
		if md.Activity.Kind == registry.ActivityTriggered {
			for _, p := range md.Ports {
				if p.TriggersTask && len(a.sourcesOf(t.ID, p.Name)) > 0 {
					out = append(out, dataflow.PortRef{Task: t.ID, Port: p.Name})
				}
			}
		}
		seenOut := make(map[string]bool)
		for _, c := range a.graph.OutputsOf(t.ID) {
			if !seenOut[c.SourcePort] {
				seenOut[c.SourcePort] = true
				out = append(out, dataflow.PortRef{Task: t.ID, Port: c.SourcePort})
			}
		}
	}
	return out
}

// Step performs one propagation of the target.
func (a *Analysis) Step(target dataflow.PortRef) (bool, error) {
	if target.Port == "" {
		return a.stepTask(target.Task)
	}
	t := a.graph.Task(target.Task)
	md := a.analyzable(t)
	if md == nil {
		return false, fmt.Errorf("no model for task %d", target.Task)
	}
	port := md.Port(target.Port)
	if port == nil {
		return false, fmt.Errorf("task %d (%s) has no port %s", t.ID, t.Model, target.Port)
	}
	if port.Direction == registry.Out {
		return a.stepOutputPort(t, port)
	}
	return a.stepInputPort(t, target.Port)
}

func (a *Analysis) stepTask(id plan.TaskID) (bool, error) {
	t := a.graph.Task(id)
	md := a.analyzable(t)
	if md == nil {
		return false, fmt.Errorf("no model for task %d", id)
	}
	dyn := a.tasks[id]
	if dyn.Done() {
		return true, nil
	}

	switch md.Activity.Kind {
	case registry.ActivityTriggered:
		allDone := true
		for _, p := range md.Ports {
			if !p.TriggersTask {
				continue
			}
			src := a.ports[dataflow.PortRef{Task: id, Port: p.Name}]
			if src == nil || !src.Done() {
				allDone = false
				continue
			}
			if err := dyn.Merge(src); err != nil {
				return false, err
			}
		}
		if !allDone {
			return false, nil
		}
		return true, dyn.Finalize()

	case registry.ActivitySlave:
		master := a.masterOf(id)
		if master == plan.NoTask {
			return false, nil
		}
		mdyn := a.tasks[master]
		if mdyn == nil || !mdyn.Done() {
			return false, nil
		}
		if err := dyn.Merge(mdyn); err != nil {
			return false, err
		}
		return true, dyn.Finalize()

	default:
		// Periodic and device-driven tasks finalized at seed time.
		return dyn.Done(), nil
	}
}

// stepOutputPort derives an output port's dynamics from the task-level
// dynamics: every task trigger emits the port's burst worth of samples.
func (a *Analysis) stepOutputPort(t *plan.Task, port *registry.Port) (bool, error) {
	taskDyn := a.tasks[t.ID]
	if taskDyn == nil || !taskDyn.Done() {
		return false, nil
	}
	ref := dataflow.PortRef{Task: t.ID, Port: port.Name}
	if d := a.ports[ref]; d != nil && d.Done() {
		return true, nil
	}
	burst := port.Burst
	if burst < 1 {
		burst = 1
	}
	dyn := &PortDynamics{}
	for _, tr := range taskDyn.Triggers() {
		if err := dyn.AddTrigger(Trigger{
			Name:        fmt.Sprintf("%s@%d.%s", tr.Name, t.ID, port.Name),
			Period:      tr.Period,
			SampleCount: tr.SampleCount * burst,
		}); err != nil {
			return false, err
		}
	}
	a.ports[ref] = dyn
	return true, dyn.Finalize()
}

// stepInputPort unions whatever source dynamics are final so far and
// finalizes once every source is final.
func (a *Analysis) stepInputPort(t *plan.Task, port string) (bool, error) {
	ref := dataflow.PortRef{Task: t.ID, Port: port}
	dyn := a.ports[ref]
	if dyn == nil {
		dyn = &PortDynamics{}
		a.ports[ref] = dyn
	}
	if dyn.Done() {
		return true, nil
	}
	allDone := true
	for _, src := range a.sourcesOf(t.ID, port) {
		sdyn := a.ports[src]
		if sdyn == nil || !sdyn.Done() {
			allDone = false
			continue
		}
		if err := dyn.Merge(sdyn); err != nil {
			return false, err
		}
	}
	if !allDone {
		return false, nil
	}
	return true, dyn.Finalize()
}

// Finalized reports whether a target's record exists and is done.
func (a *Analysis) Finalized(ref dataflow.PortRef) bool {
	if ref.Port == "" {
		d := a.tasks[ref.Task]
		return d != nil && d.Done()
	}
	d := a.ports[ref]
	return d != nil && d.Done()
}

// DiscardPartial drops every record that is not finalized, or that
// finalized empty. They must not be mistaken for resolved information.
func (a *Analysis) DiscardPartial() {
	for id, d := range a.tasks {
		if !d.Done() || d.Empty() {
			delete(a.tasks, id)
		}
	}
	for ref, d := range a.ports {
		if !d.Done() || d.Empty() {
			delete(a.ports, ref)
		}
	}
}

// masterOf resolves the activity master of a slave task: the sibling
// filling the master role of any composition this task is a child of.
func (a *Analysis) masterOf(id plan.TaskID) plan.TaskID {
	for _, parentEdge := range a.graph.Parents(id) {
		parent := a.graph.Task(parentEdge.Parent)
		if parent == nil || !parent.Composition {
			continue
		}
		cm := a.reg.CompositionOf(parent.Model)
		if cm == nil {
			continue
		}
		for _, role := range cm.Roles {
			if !role.Master {
				continue
			}
			for _, d := range a.graph.Children(parent.ID) {
				if d.Role == role.Name && d.Child != id {
					return d.Child
				}
			}
		}
	}
	return plan.NoTask
}

func (a *Analysis) sourcesOf(id plan.TaskID, port string) []dataflow.PortRef {
	var out []dataflow.PortRef
	for _, c := range a.graph.InputsOf(id) {
		if c.SinkPort == port {
			out = append(out, dataflow.PortRef{Task: c.Source, Port: c.SourcePort})
		}
	}
	return out
}
