package resolver

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/registry"
)

// deploySystemNetwork binds every concrete task to a deployment slot.
//
// Candidates are narrowed in order: slots claimed earlier in this
// resolution are excluded, then an explicitly requested deployment name,
// then the requirement's naming hint. A single survivor is bound by
// synthesizing a bound counterpart task and folding the two together
// through the merge solver. Zero or several survivors is recorded as a
// missing deployment; the whole pass reports its failures together.
func (p *Pending) deploySystemNetwork() error {
	if !p.r.cfg.ComputeDeployments {
		p.state = StateDeployed
		return nil
	}
	g := p.tr.Graph()
	var missing []MissingDeployment

	for _, t := range g.Tasks() {
		if t.Composition || t.Abstract || t.Placeholder || t.Deployment != nil {
			continue
		}
		if p.repl.Replaced(t.ID) || p.tr.IsProxy(t.ID) {
			continue
		}
		all := p.r.reg.CandidatesFor(t.Model)
		if len(all) == 0 {
			missing = append(missing, MissingDeployment{
				Task: t.ID, Model: t.Model, Reason: "no deployment hosts this model",
			})
			continue
		}

		candidates := make([]registry.Candidate, 0, len(all))
		for _, c := range all {
			if _, taken := p.claimed[c]; !taken {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			missing = append(missing, MissingDeployment{
				Task: t.ID, Model: t.Model, Candidates: all,
				Reason: "all candidates already claimed by this resolution",
			})
			continue
		}

		pref := p.prefs[t.ID]
		if pref.deployment != "" {
			candidates = filterCandidates(candidates, func(c registry.Candidate) bool {
				return c.Deployment == pref.deployment
			})
		}
		if len(candidates) > 1 && pref.hint != "" {
			re, err := regexp.Compile("^(?:" + pref.hint + ")$")
			if err != nil {
				return &ValidationError{
					Phase:   "deployed",
					Problem: fmt.Sprintf("invalid deployment hint %q: %v", pref.hint, err),
				}
			}
			candidates = filterCandidates(candidates, func(c registry.Candidate) bool {
				return re.MatchString(c.TaskName)
			})
		}

		switch len(candidates) {
		case 1:
			if err := p.bind(t, candidates[0]); err != nil {
				return err
			}
		case 0:
			missing = append(missing, MissingDeployment{
				Task: t.ID, Model: t.Model, Candidates: all,
				Reason: "no candidate matched the requested deployment or hint",
			})
		default:
			missing = append(missing, MissingDeployment{
				Task: t.ID, Model: t.Model, Candidates: candidates,
				Reason: "ambiguous deployment candidates",
			})
		}
	}

	if len(missing) > 0 {
		return &DeploymentError{Missing: missing}
	}
	if p.r.cfg.ValidateDeployedNetwork {
		if err := p.validateDeployedNetwork(); err != nil {
			return err
		}
	}
	p.state = StateDeployed
	return nil
}

// bind claims the slot, synthesizes the bound counterpart and folds the
// task onto it through the merge solver, which carries the binding to the
// survivor.
func (p *Pending) bind(t *plan.Task, c registry.Candidate) error {
	g := p.tr.Graph()
	counterpart := g.AddTask(plan.Task{
		Model:      t.Model,
		Arguments:  copyArgs(t.Arguments),
		Deployment: &plan.Binding{Deployment: c.Deployment, TaskName: c.TaskName},
	})
	merged, err := p.solver.MergePair(t.ID, counterpart.ID)
	if err != nil {
		return err
	}
	if !merged {
		// The counterpart was synthesized as an exact peer; failing to
		// fold it means the solver state is inconsistent.
		return &ValidationError{
			Phase:   "deployed",
			Problem: fmt.Sprintf("could not bind task %d (%s) to %s", t.ID, t.Model, c),
		}
	}
	p.claimed[c] = t.ID
	p.mergeCount++
	slog.Debug("bound task to deployment", "task", t.ID, "model", t.Model, "slot", c.String())
	return nil
}

// validateDeployedNetwork raises if any concrete task remains unbound:
// a partially-deployed network must never be produced silently.
func (p *Pending) validateDeployedNetwork() error {
	for _, t := range p.tr.Graph().Tasks() {
		if t.Composition || t.Abstract || t.Placeholder {
			continue
		}
		if t.Deployment == nil {
			return &ValidationError{
				Phase:   "deployed",
				Problem: fmt.Sprintf("task %d (%s) remains unbound after deployment", t.ID, t.Model),
			}
		}
	}
	return nil
}

// finalizeDeployedTasks reconciles the new network against the live
// system: a freshly deployed task whose slot is already occupied by a
// compatible running (or pending) task is merged onto it; an incompatible
// occupant means the fresh task is kept but must wait for the occupant to
// stop before it may configure. Merging re-runs afterwards to fold in
// anything the reconciliation unified.
func (p *Pending) finalizeDeployedTasks() error {
	g := p.tr.Graph()
	for _, t := range g.Tasks() {
		if t.Deployment == nil || p.tr.IsProxy(t.ID) || t.Composition || p.repl.Replaced(t.ID) {
			continue
		}
		live := p.liveTaskBoundTo(*t.Deployment, t.ID)
		if live == nil {
			continue
		}
		merged, err := p.solver.MergePair(live.ID, t.ID)
		if err != nil {
			return err
		}
		if merged {
			p.mergeCount++
			slog.Debug("reused running task", "running", live.ID, "fresh", t.ID, "slot", t.Deployment.String())
			continue
		}
		// Incompatible occupant: schedule a fresh instance that waits
		// for the running one to stop.
		p.pendingStops[t.ID] = live.ID
		slog.Info("scheduled replacement for incompatible running task",
			"running", live.ID,
			"fresh", t.ID,
			"slot", t.Deployment.String(),
		)
	}

	n, err := p.solver.MergeTasks()
	if err != nil {
		return err
	}
	p.mergeCount += n
	return nil
}

// liveTaskBoundTo finds the transactional proxy of a running or pending
// task occupying the given deployment slot.
func (p *Pending) liveTaskBoundTo(b plan.Binding, exclude plan.TaskID) *plan.Task {
	for _, t := range p.tr.Graph().Tasks() {
		if t.ID == exclude || !p.tr.IsProxy(t.ID) || p.repl.Replaced(t.ID) {
			continue
		}
		if t.Deployment != nil && *t.Deployment == b {
			return t
		}
	}
	return nil
}

func filterCandidates(in []registry.Candidate, keep func(registry.Candidate) bool) []registry.Candidate {
	out := in[:0:0]
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
