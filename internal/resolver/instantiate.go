package resolver

import (
	"fmt"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
)

// instantiate expands every requirement into a task tree inside the
// working transaction. Roots are marked transactionally permanent so the
// later collection pass keeps them; the definitive mission/permanent
// flags are assigned at commit, on the final representatives.
func (p *Pending) instantiate() error {
	g := p.tr.Graph()
	for _, q := range p.reqs {
		root, err := p.instantiateModel(q.Model, q.Arguments, q.Selections, deployPref{
			deployment: q.Deployment,
			hint:       q.DeploymentHint,
		})
		if err != nil {
			return fmt.Errorf("requirement %s: %w", q.Name, err)
		}
		g.Task(root).Permanent = true
		p.toplevel[q.Name] = root
	}
	return nil
}

// instantiateModel creates one task (or a whole composition tree) for the
// named model. Service references are resolved by dependency-injection
// selection: an explicit selection wins, otherwise a single provider is
// inferred automatically, otherwise an abstract stand-in task is created
// and left for validation to report.
func (p *Pending) instantiateModel(model string, args map[string]string, selections map[string]string, pref deployPref) (plan.TaskID, error) {
	reg := p.r.reg
	g := p.tr.Graph()

	if cm := reg.CompositionOf(model); cm != nil {
		comp := g.AddTask(plan.Task{Model: model, Composition: true, Arguments: copyArgs(args)})
		p.prefs[comp.ID] = pref

		children := make(map[string]plan.TaskID, len(cm.Roles))
		for _, role := range cm.Roles {
			childModel := role.Model
			if sel, ok := selections[role.Name]; ok {
				childModel = sel
			}
			child, err := p.instantiateModel(childModel, nil, selections, pref)
			if err != nil {
				return plan.NoTask, fmt.Errorf("role %s: %w", role.Name, err)
			}
			children[role.Name] = child
			if err := g.AddDependency(plan.Dependency{Parent: comp.ID, Child: child, Role: role.Name}); err != nil {
				return plan.NoTask, err
			}
		}
		for _, c := range cm.Connections {
			conn := plan.Connection{
				Source:     children[c.FromRole],
				SourcePort: c.FromPort,
				Sink:       children[c.ToRole],
				SinkPort:   c.ToPort,
			}
			if err := g.Connect(conn); err != nil {
				return plan.NoTask, err
			}
		}
		// Exported passthroughs are modeled as edges from the child port
		// to the composition's own port; composition merging compares
		// them, and they never participate in timing analysis.
		for _, e := range cm.Exports {
			conn := plan.Connection{
				Source:     children[e.Role],
				SourcePort: e.ChildPort,
				Sink:       comp.ID,
				SinkPort:   e.Port,
			}
			if err := g.Connect(conn); err != nil {
				return plan.NoTask, err
			}
		}
		return comp.ID, nil
	}

	name := model
	if reg.IsService(name) {
		if sel, ok := selections[name]; ok {
			name = sel
		} else if providers := reg.Providers(name); len(providers) == 1 {
			name = providers[0]
		} else {
			// Zero or several providers and no explicit choice: leave an
			// abstract task behind for the allocation check to report.
			t := g.AddTask(plan.Task{Model: name, Abstract: true})
			p.prefs[t.ID] = pref
			return t.ID, nil
		}
	}
	if reg.TaskModelOf(name) == nil {
		return plan.NoTask, fmt.Errorf("unknown model %s", name)
	}
	t := g.AddTask(plan.Task{Model: name, Arguments: copyArgs(args)})
	p.prefs[t.ID] = pref
	return t.ID, nil
}

// assignDefaultConfigurations fills unset arguments from each concrete
// model's declared defaults. Runs after merging so survivors and their
// folded peers get identical treatment.
func (p *Pending) assignDefaultConfigurations() {
	g := p.tr.Graph()
	for _, t := range g.Tasks() {
		if t.Abstract || t.Composition {
			continue
		}
		md := p.r.reg.TaskModelOf(t.Model)
		if md == nil || len(md.Defaults) == 0 {
			continue
		}
		if t.Arguments == nil {
			t.Arguments = make(map[string]string, len(md.Defaults))
		}
		for k, v := range md.Defaults {
			if _, set := t.Arguments[k]; !set {
				t.Arguments[k] = v
			}
		}
	}
}

func copyArgs(args map[string]string) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
