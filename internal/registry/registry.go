// Package registry holds the read-only component, composition, device and
// deployment model metadata the resolution engine consumes. Models are
// loaded once from YAML and never mutated afterwards.
package registry

import (
	"fmt"
	"sort"
)

// ActivityKind describes how a task's execution is triggered.
type ActivityKind string

const (
	// ActivityPeriodic tasks run on a fixed period.
	ActivityPeriodic ActivityKind = "periodic"

	// ActivityTriggered tasks run when data arrives on a triggering
	// input port.
	ActivityTriggered ActivityKind = "triggered"

	// ActivitySlave tasks are executed by their master's activity and
	// inherit its timing wholesale.
	ActivitySlave ActivityKind = "slave"
)

// PortDirection distinguishes inputs from outputs.
type PortDirection string

const (
	In  PortDirection = "in"
	Out PortDirection = "out"
)

// Port describes one named port on a task model, with the sample and
// burst characteristics the timing analysis needs.
type Port struct {
	Name      string        `yaml:"name"`
	Direction PortDirection `yaml:"direction"`

	// Burst is how many samples one task trigger can emit on this output
	// port. Zero means one.
	Burst int `yaml:"burst"`

	// TriggersTask marks an input port that drives a triggered task.
	TriggersTask bool `yaml:"triggers_task"`

	// Multiplexes marks an input port that accepts several concurrent
	// input connections.
	Multiplexes bool `yaml:"multiplexes"`

	// Unreliable marks a port whose connections do not need lossless
	// delivery; they get a latest-value policy without timing analysis.
	Unreliable bool `yaml:"unreliable"`
}

// Activity is the trigger specification of a task model.
type Activity struct {
	Kind   ActivityKind `yaml:"kind"`
	Period float64      `yaml:"period"` // seconds, periodic only
}

// TaskModel describes one concrete component implementation.
type TaskModel struct {
	Name     string   `yaml:"name"`
	Activity Activity `yaml:"activity"`
	Ports    []Port   `yaml:"ports"`

	// Provides lists the abstract services this implementation
	// satisfies. Service names share the model namespace.
	Provides []string `yaml:"provides"`

	// Defaults are configuration values assigned to instances that did
	// not receive an explicit argument.
	Defaults map[string]string `yaml:"defaults"`
}

// Port returns the named port, or nil.
func (m *TaskModel) Port(name string) *Port {
	for i := range m.Ports {
		if m.Ports[i].Name == name {
			return &m.Ports[i]
		}
	}
	return nil
}

// Role names one child slot of a composition and the model (or service)
// that must fill it.
type Role struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`

	// Master marks the role whose task acts as activity master for
	// slave-activity siblings inside this composition.
	Master bool `yaml:"master"`
}

// InternalConnection wires two children of a composition together.
type InternalConnection struct {
	FromRole string `yaml:"from_role"`
	FromPort string `yaml:"from_port"`
	ToRole   string `yaml:"to_role"`
	ToPort   string `yaml:"to_port"`
}

// Export makes a child port visible as a port of the composition itself.
type Export struct {
	Port      string `yaml:"port"`
	Role      string `yaml:"role"`
	ChildPort string `yaml:"child_port"`
}

// CompositionModel describes a coordinated group of children.
type CompositionModel struct {
	Name        string               `yaml:"name"`
	Roles       []Role               `yaml:"roles"`
	Connections []InternalConnection `yaml:"connections"`
	Exports     []Export             `yaml:"exports"`
}

// Role returns the named role, or nil.
func (m *CompositionModel) Role(name string) *Role {
	for i := range m.Roles {
		if m.Roles[i].Name == name {
			return &m.Roles[i]
		}
	}
	return nil
}

// DeviceModel describes a physical device or communication bus that
// drives a task: the period it produces data at and how many samples
// arrive per burst.
type DeviceModel struct {
	Name   string  `yaml:"name"`
	Period float64 `yaml:"period"`
	Burst  int     `yaml:"burst"`
}

// Deployment is a named, launchable bundle of task instances on a host.
type Deployment struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`

	// Tasks maps process-local task names to the task model they run.
	Tasks map[string]string `yaml:"tasks"`
}

// Candidate is one (deployment, process-local name) slot that can host a
// task model.
type Candidate struct {
	Deployment string
	TaskName   string
}

func (c Candidate) String() string {
	return c.Deployment + "/" + c.TaskName
}

// Registry is the full model database. Read-only after Load.
type Registry struct {
	TaskModels   map[string]*TaskModel
	Compositions map[string]*CompositionModel
	Devices      map[string]*DeviceModel
	Deployments  map[string]*Deployment

	// providers maps a service name to the task models providing it, in
	// declaration order.
	providers map[string][]string
}

// TaskModelOf returns the task model with the given name, or nil.
func (r *Registry) TaskModelOf(name string) *TaskModel {
	return r.TaskModels[name]
}

// CompositionOf returns the composition model with the given name, or nil.
func (r *Registry) CompositionOf(name string) *CompositionModel {
	return r.Compositions[name]
}

// DeviceOf returns the device model with the given name, or nil.
func (r *Registry) DeviceOf(name string) *DeviceModel {
	return r.Devices[name]
}

// Providers returns the task models providing the given service, in
// declaration order. A concrete task model trivially provides itself.
func (r *Registry) Providers(service string) []string {
	if _, ok := r.TaskModels[service]; ok {
		return []string{service}
	}
	return r.providers[service]
}

// IsService reports whether the name refers to an abstract service rather
// than a concrete task or composition model.
func (r *Registry) IsService(name string) bool {
	if _, ok := r.TaskModels[name]; ok {
		return false
	}
	if _, ok := r.Compositions[name]; ok {
		return false
	}
	return len(r.providers[name]) > 0
}

// CandidatesFor returns every deployment slot that hosts the given task
// model, ordered by deployment name then task name.
func (r *Registry) CandidatesFor(model string) []Candidate {
	var out []Candidate
	names := make([]string, 0, len(r.Deployments))
	for n := range r.Deployments {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		d := r.Deployments[n]
		taskNames := make([]string, 0, len(d.Tasks))
		for tn := range d.Tasks {
			taskNames = append(taskNames, tn)
		}
		sort.Strings(taskNames)
		for _, tn := range taskNames {
			if d.Tasks[tn] == model {
				out = append(out, Candidate{Deployment: n, TaskName: tn})
			}
		}
	}
	return out
}

// Validate checks referential integrity of the whole registry: roles and
// deployments must reference known models, ports must have unique names
// and a direction, periodic activities a positive period, devices a
// positive period.
func (r *Registry) Validate() error {
	for name, m := range r.TaskModels {
		if m.Activity.Kind == ActivityPeriodic && m.Activity.Period <= 0 {
			return fmt.Errorf("task model %s: periodic activity needs a positive period", name)
		}
		ports := make(map[string]bool, len(m.Ports))
		for _, p := range m.Ports {
			// Ports are addressed by name alone downstream (dynamics,
			// policies), so a name shared between an input and an output
			// would alias their records.
			if ports[p.Name] {
				return fmt.Errorf("task model %s: duplicate port %s", name, p.Name)
			}
			ports[p.Name] = true
			if p.Direction != In && p.Direction != Out {
				return fmt.Errorf("task model %s: port %s: direction must be in or out", name, p.Name)
			}
			if p.TriggersTask && p.Direction != In {
				return fmt.Errorf("task model %s: port %s: only input ports can trigger the task", name, p.Name)
			}
		}
		if m.Activity.Kind == ActivityTriggered && m.triggeringPortCount() == 0 {
			return fmt.Errorf("task model %s: triggered activity with no triggering input port", name)
		}
	}
	for name, c := range r.Compositions {
		masters := 0
		for _, role := range c.Roles {
			if !r.knownModel(role.Model) {
				return fmt.Errorf("composition %s: role %s references unknown model %s", name, role.Name, role.Model)
			}
			if role.Master {
				masters++
			}
		}
		if masters > 1 {
			return fmt.Errorf("composition %s: more than one master role", name)
		}
		for _, conn := range c.Connections {
			if c.Role(conn.FromRole) == nil || c.Role(conn.ToRole) == nil {
				return fmt.Errorf("composition %s: connection references unknown role", name)
			}
		}
		for _, e := range c.Exports {
			if c.Role(e.Role) == nil {
				return fmt.Errorf("composition %s: export %s references unknown role %s", name, e.Port, e.Role)
			}
		}
	}
	for name, d := range r.Deployments {
		for tn, model := range d.Tasks {
			if r.TaskModelOf(model) == nil {
				return fmt.Errorf("deployment %s: task %s references unknown task model %s", name, tn, model)
			}
		}
	}
	for name, dev := range r.Devices {
		if dev.Period <= 0 {
			return fmt.Errorf("device %s: period must be positive", name)
		}
	}
	return nil
}

func (r *Registry) knownModel(name string) bool {
	if _, ok := r.TaskModels[name]; ok {
		return true
	}
	if _, ok := r.Compositions[name]; ok {
		return true
	}
	return len(r.providers[name]) > 0
}

func (m *TaskModel) triggeringPortCount() int {
	n := 0
	for _, p := range m.Ports {
		if p.TriggersTask {
			n++
		}
	}
	return n
}
