package resolver

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
)

// computeSystemNetwork turns the raw requirement expansion into the
// minimal abstract network: instantiate, merge tasks, run augmentation
// hooks (communication-bus wiring lives there, since the bus protocol is
// registry-specific), merge compositions, assign default configurations,
// collect unreachable leftovers, and validate.
func (p *Pending) computeSystemNetwork() error {
	if err := p.instantiate(); err != nil {
		return err
	}

	n, err := p.solver.MergeTasks()
	if err != nil {
		return err
	}
	p.mergeCount += n

	for _, h := range p.r.augmentationHooks {
		if err := h(p.tr.Graph()); err != nil {
			return fmt.Errorf("augmentation hook: %w", err)
		}
	}

	n, err = p.solver.MergeCompositions()
	if err != nil {
		return err
	}
	p.mergeCount += n

	p.assignDefaultConfigurations()

	if p.r.cfg.GarbageCollect {
		p.collectUnreachable()
	}

	if p.r.cfg.ValidateAbstractNetwork {
		if err := p.validateAbstractNetwork(); err != nil {
			return err
		}
	}
	if p.r.cfg.ValidateGeneratedNetwork {
		if err := p.validateGeneratedNetwork(); err != nil {
			return err
		}
	}

	p.state = StateNetworkComputed
	slog.Info("system network computed",
		"id", p.id,
		"tasks", len(p.tr.Graph().Tasks()),
		"merges", p.mergeCount,
	)
	return nil
}

// collectUnreachable discards everything the merge passes orphaned: any
// task unreachable from the toplevel roots (through their final
// representatives) is removed.
func (p *Pending) collectUnreachable() {
	roots := make([]plan.TaskID, 0, len(p.toplevel))
	for _, id := range p.toplevel {
		roots = append(roots, p.repl.Resolve(id))
	}
	removed := p.tr.Graph().CollectUnreachable(roots, func(t *plan.Task) {
		slog.Debug("collected unreachable task", "task", t.ID, "model", t.Model)
	})
	if removed > 0 {
		slog.Debug("garbage collection pass", "id", p.id, "removed", removed)
	}
}

// validateAbstractNetwork rejects a network that still contains abstract
// tasks, enumerating them together with the providers that were
// considered.
func (p *Pending) validateAbstractNetwork() error {
	var abstract []AbstractTask
	for _, t := range p.tr.Graph().Tasks() {
		if !t.Abstract {
			continue
		}
		abstract = append(abstract, AbstractTask{
			Task:       t.ID,
			Model:      t.Model,
			Candidates: p.r.reg.Providers(t.Model),
		})
	}
	if len(abstract) > 0 {
		return &AllocationError{Tasks: abstract}
	}
	return nil
}

// validateGeneratedNetwork rejects illegal multiplexing: more than one
// connection into an input port that does not declare it accepts several.
func (p *Pending) validateGeneratedNetwork() error {
	g := p.tr.Graph()
	type inKey struct {
		task plan.TaskID
		port string
	}
	counts := make(map[inKey]int)
	for _, c := range g.Connections() {
		counts[inKey{c.Sink, c.SinkPort}]++
	}

	var offending []string
	for k, n := range counts {
		if n < 2 {
			continue
		}
		t := g.Task(k.task)
		if t == nil || t.Composition {
			continue
		}
		md := p.r.reg.TaskModelOf(t.Model)
		if md == nil {
			continue
		}
		port := md.Port(k.port)
		if port != nil && port.Multiplexes {
			continue
		}
		offending = append(offending, fmt.Sprintf("task %d (%s) port %s has %d sources", k.task, t.Model, k.port, n))
	}
	if len(offending) > 0 {
		sort.Strings(offending)
		problem := "illegal multiplexing:"
		for _, o := range offending {
			problem += "\n  " + o
		}
		return &ValidationError{Phase: "generated", Problem: problem}
	}
	return nil
}

// validateFinal is the pre-commit check: no abstract task and, when
// deployment computation ran, no undeployed task may reach the live
// graph.
func (p *Pending) validateFinal() error {
	g := p.tr.Graph()
	for _, t := range g.Tasks() {
		if t.Abstract {
			return &ValidationError{
				Phase:   "final",
				Problem: fmt.Sprintf("abstract task %d (%s) remains in the final network", t.ID, t.Model),
			}
		}
		if p.r.cfg.ComputeDeployments && !t.Composition && !t.Placeholder && t.Deployment == nil {
			return &ValidationError{
				Phase:   "final",
				Problem: fmt.Sprintf("task %d (%s) has no deployment binding", t.ID, t.Model),
			}
		}
	}
	return nil
}
