package resolver

import (
	"log/slog"

	"github.com/rock-core/tools-syskit-sub009/internal/dataflow"
	"github.com/rock-core/tools-syskit-sub009/internal/dynamics"
)

// computeConnectionPolicies runs the timing analysis over the fully
// deployed network and assigns a buffering policy to every task-to-task
// connection. The phase can be disabled entirely for testing and
// diagnostics; errors out of it are reported like any other phase
// failure.
func (p *Pending) computeConnectionPolicies() error {
	if !p.r.cfg.ComputePolicies {
		return nil
	}
	g := p.tr.Graph()
	a := dynamics.NewAnalysis(g, p.r.reg)
	p.analysis = a

	unresolved, err := dataflow.Propagate(a, g.Tasks())
	if err != nil {
		return err
	}
	if len(unresolved) > 0 {
		slog.Warn("timing propagation left targets unresolved",
			"id", p.id,
			"unresolved", len(unresolved),
		)
	}

	pcfg := dynamics.PolicyConfig{
		Margin:         p.r.cfg.BufferMargin,
		TriggerLatency: p.r.cfg.TriggerLatency,
		Fallback:       p.r.cfg.DefaultPolicy,
	}
	for _, c := range g.Connections() {
		src, sink := g.Task(c.Source), g.Task(c.Sink)
		if src == nil || sink == nil || src.Composition || sink.Composition {
			// Export passthrough edges carry no samples of their own.
			continue
		}
		pol, err := a.PolicyFor(c, pcfg)
		if err != nil {
			return err
		}
		c.Policy = &pol
	}
	return nil
}
