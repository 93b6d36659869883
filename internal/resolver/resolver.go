// Package resolver orchestrates network generation end to end:
// instantiate abstract requirements, merge redundant tasks, bind tasks to
// deployments, compute connection policies, and commit the result
// atomically against the live plan — or roll everything back.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rock-core/tools-syskit-sub009/internal/dynamics"
	"github.com/rock-core/tools-syskit-sub009/internal/merge"
	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/registry"
	"github.com/rock-core/tools-syskit-sub009/internal/report"
	"github.com/rock-core/tools-syskit-sub009/internal/snapshot"
)

// Resolver generates and commits task networks against one live graph.
//
// The pipeline is single-threaded: one resolution at a time may be in
// flight toward commit, and none of the internal state (replacement
// cache, propagation state) tolerates concurrent mutation. Callers
// wanting background execution use the async package.
type Resolver struct {
	cfg   Config
	reg   *registry.Registry
	graph *plan.Graph

	augmentationHooks []Hook
	finalizationHooks []Hook
	archive           *report.Archive

	// repl is retained across resolutions only for debugging; it is
	// cleared during prepare unless KeepReplacementGraph is set.
	repl     *merge.ReplacementGraph
	lastRepl *merge.ReplacementGraph

	lastReport *report.Record
}

// New creates a resolver over the live graph and model registry.
func New(graph *plan.Graph, reg *registry.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:   DefaultConfig(),
		reg:   reg,
		graph: graph,
		repl:  merge.NewReplacementGraph(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the resolver's configuration.
func (r *Resolver) Config() Config { return r.cfg }

// ReplacementGraph returns the replacement graph of the most recent
// resolution. Meaningful for debugging when KeepReplacementGraph is set.
func (r *Resolver) ReplacementGraph() *merge.ReplacementGraph { return r.repl }

// PreviousReplacementGraph returns the replacement graph retained from
// the resolution before the current one. Nil unless
// KeepReplacementGraph is set.
func (r *Resolver) PreviousReplacementGraph() *merge.ReplacementGraph { return r.lastRepl }

// LastReport returns the diagnostics record of the most recent
// resolution, or nil.
func (r *Resolver) LastReport() *report.Record { return r.lastReport }

// Result is what a successful resolution hands to the process launcher:
// the final deployment bindings and connection policies.
type Result struct {
	ID        string
	Toplevels map[string]plan.TaskID
	Bindings  map[plan.TaskID]plan.Binding
	Policies  map[plan.ConnKey]plan.Policy

	// PendingStops maps a freshly scheduled task to the incompatible
	// running task it must wait for before it may configure.
	PendingStops map[plan.TaskID]plan.TaskID

	Report report.Record
}

// deployPref carries a requirement's deployment disambiguation wishes
// down to every task its expansion produced.
type deployPref struct {
	deployment string
	hint       string
}

// Pending is one in-flight resolution: the working transaction plus all
// per-resolution state. It is created by PrepareNetwork and must end in
// exactly one Apply or Discard.
type Pending struct {
	r     *Resolver
	id    string
	state State

	tr       *plan.Transaction
	reqs     []registry.Requirement
	toplevel map[string]plan.TaskID
	prefs    map[plan.TaskID]deployPref
	claimed  map[registry.Candidate]plan.TaskID
	repl     *merge.ReplacementGraph
	solver   *merge.Solver
	analysis *dynamics.Analysis

	pendingStops map[plan.TaskID]plan.TaskID
	mergeCount   int

	record     report.Record
	phaseStart time.Time
}

// Resolve runs the full pipeline synchronously: network preparation
// followed by commit. On any failure the working transaction is disposed
// of per the on-error policy and the error is re-raised.
func (r *Resolver) Resolve(ctx context.Context, reqs []registry.Requirement) (*Result, error) {
	p, err := r.PrepareNetwork(ctx, reqs)
	if err != nil {
		return nil, err
	}
	return p.Apply()
}

// PrepareNetwork runs every phase up to (but not including) commit and
// returns the pending resolution with its transaction still open. This is
// the expensive part; the async wrapper runs it on a worker.
func (r *Resolver) PrepareNetwork(ctx context.Context, reqs []registry.Requirement) (*Pending, error) {
	p, err := r.prepare(reqs)
	if err != nil {
		return nil, err
	}
	if err := p.run(ctx); err != nil {
		return nil, p.fail(err)
	}
	return p, nil
}

// prepare snapshots per-resolution state and opens the working
// transaction layered over the live graph.
func (r *Resolver) prepare(reqs []registry.Requirement) (*Pending, error) {
	if err := (dynamics.PolicyConfig{Margin: r.cfg.BufferMargin}).Validate(); err != nil {
		return nil, err
	}
	if r.cfg.KeepReplacementGraph {
		r.lastRepl = r.repl
		r.repl = merge.NewReplacementGraph()
	} else {
		r.repl.Clear()
	}
	tr, err := plan.Begin(r.graph)
	if err != nil {
		return nil, fmt.Errorf("prepare resolution: %w", err)
	}
	id := uuid.Must(uuid.NewV7()).String()
	p := &Pending{
		r:            r,
		id:           id,
		state:        StateIdle,
		tr:           tr,
		reqs:         append([]registry.Requirement(nil), reqs...),
		toplevel:     make(map[string]plan.TaskID),
		prefs:        make(map[plan.TaskID]deployPref),
		claimed:      make(map[registry.Candidate]plan.TaskID),
		repl:         r.repl,
		pendingStops: make(map[plan.TaskID]plan.TaskID),
		record: report.Record{
			ID:        id,
			StartedAt: time.Now(),
		},
	}
	p.solver = merge.NewSolver(tr, r.reg, p.repl)
	p.state = StatePrepared
	slog.Info("resolution prepared", "id", id, "requirements", len(reqs))
	return p, nil
}

// run executes the pipeline phases in order, checking for caller
// cancellation between phases. Cancellation is cooperative: a phase is
// never interrupted mid-algorithm.
func (p *Pending) run(ctx context.Context) error {
	phases := []struct {
		name string
		fn   func() error
	}{
		{"compute_system_network", p.computeSystemNetwork},
		{"deploy_system_network", p.deploySystemNetwork},
		{"finalize_deployed_tasks", p.finalizeDeployedTasks},
		{"compute_connection_policies", p.computeConnectionPolicies},
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.beginPhase()
		if err := phase.fn(); err != nil {
			p.endPhase(phase.name)
			return fmt.Errorf("%s: %w", phase.name, err)
		}
		p.endPhase(phase.name)
	}
	return nil
}

// Requirements returns the requirement set this resolution was prepared
// from.
func (p *Pending) Requirements() []registry.Requirement { return p.reqs }

// State returns the pipeline state.
func (p *Pending) State() State { return p.state }

// Graph returns the working graph. Exposed for diagnostics and hooks.
func (p *Pending) Graph() *plan.Graph { return p.tr.Graph() }

// Analysis returns the timing propagation of the policy-computation
// phase, or nil if that phase has not run.
func (p *Pending) Analysis() *dynamics.Analysis { return p.analysis }

// Apply commits the prepared network into the live graph: toplevel
// mission/permanent flags are reassigned onto the final representatives
// of the originally-requested tasks, finalization hooks run, the final
// network is validated, and the transaction commits. Any failure rolls
// back per the on-error policy and is re-raised.
func (p *Pending) Apply() (*Result, error) {
	if p.state != StateDeployed {
		// Nothing to roll back here: either the pipeline never reached
		// the deployed state or the resolution is already finalized.
		return nil, &StateError{Op: "apply", Have: p.state, Want: StateDeployed}
	}
	p.beginPhase()
	err := p.commit()
	p.endPhase("commit")
	if err != nil {
		return nil, p.fail(err)
	}

	res := p.buildResult()
	p.state = StateCommitted
	p.record.TaskCount = res.Report.TaskCount
	p.finalize()
	slog.Info("resolution committed",
		"id", p.id,
		"tasks", res.Report.TaskCount,
		"merges", res.Report.MergeCount,
	)
	return res, nil
}

// Discard abandons the prepared network, leaving the live graph
// untouched.
func (p *Pending) Discard() {
	if p.tr.Open() {
		_ = p.tr.Discard()
	}
	p.state = StateRolledBack
	p.finalize()
	slog.Info("resolution discarded", "id", p.id)
}

func (p *Pending) commit() error {
	g := p.tr.Graph()
	// Flags go on the final representatives, never on intermediate,
	// now-replaced tasks. Several requirements may share one
	// representative after merging, so flags accumulate: a task is a
	// mission (or permanent) as soon as any of its requirements says so.
	cleared := make(map[plan.TaskID]bool, len(p.reqs))
	for _, q := range p.reqs {
		root, ok := p.toplevel[q.Name]
		if !ok {
			continue
		}
		rep := g.Task(p.repl.Resolve(root))
		if rep == nil {
			return &ValidationError{Phase: "final", Problem: fmt.Sprintf("toplevel task for requirement %s vanished", q.Name)}
		}
		if !cleared[rep.ID] {
			cleared[rep.ID] = true
			rep.Mission = false
			rep.Permanent = false
		}
		rep.Mission = rep.Mission || q.Mission
		rep.Permanent = rep.Permanent || q.Permanent
	}
	for _, h := range p.r.finalizationHooks {
		if err := h(g); err != nil {
			return fmt.Errorf("finalization hook: %w", err)
		}
	}
	if p.r.cfg.ValidateFinalNetwork {
		if err := p.validateFinal(); err != nil {
			return err
		}
	}
	return p.tr.Commit()
}

func (p *Pending) buildResult() *Result {
	g := p.r.graph
	res := &Result{
		ID:           p.id,
		Toplevels:    make(map[string]plan.TaskID, len(p.toplevel)),
		Bindings:     make(map[plan.TaskID]plan.Binding),
		Policies:     make(map[plan.ConnKey]plan.Policy),
		PendingStops: p.pendingStops,
	}
	for name, id := range p.toplevel {
		res.Toplevels[name] = p.repl.Resolve(id)
	}
	for _, t := range g.Tasks() {
		if t.Deployment != nil {
			res.Bindings[t.ID] = *t.Deployment
		}
	}
	for _, c := range g.Connections() {
		if c.Policy != nil {
			res.Policies[c.Key()] = *c.Policy
		}
	}
	res.Report = p.record
	res.Report.TaskCount = len(g.Tasks())
	res.Report.MergeCount = p.mergeCount
	return res
}

// fail disposes of the working transaction per the on-error policy,
// records diagnostics, and re-raises the error. It never leaves a
// half-open transaction behind.
func (p *Pending) fail(err error) error {
	code := CodeOf(err)
	slog.Error("resolution failed",
		"id", p.id,
		"state", string(p.state),
		"code", string(code),
		"error", err,
	)
	if p.tr.Open() {
		if p.r.cfg.OnError != OnErrorNone && p.r.cfg.SnapshotDir != "" {
			if _, serr := snapshot.WriteFile(p.tr.Graph(), p.r.cfg.SnapshotDir, "resolution-"+p.id); serr != nil {
				slog.Warn("could not write failure snapshot", "id", p.id, "error", serr)
			}
		}
		switch p.r.cfg.OnError {
		case OnErrorCommit:
			// Commit the broken network for offline inspection; the
			// failure is still propagated.
			if cerr := p.tr.Commit(); cerr != nil {
				slog.Warn("could not commit failed network for inspection", "id", p.id, "error", cerr)
			}
		default:
			_ = p.tr.Discard()
		}
	}
	p.state = StateRolledBack
	p.record.ErrorCode = string(code)
	p.record.Error = err.Error()
	p.finalize()
	return err
}

// finalize always runs once per resolution, whatever the outcome: it
// closes the books and archives the diagnostics record best-effort.
func (p *Pending) finalize() {
	if p.tr.Open() {
		_ = p.tr.Discard()
	}
	p.record.Duration = time.Since(p.record.StartedAt)
	if p.state == StateCommitted {
		p.record.Outcome = "committed"
	} else {
		p.record.Outcome = "rolled-back"
	}
	p.record.MergeCount = p.mergeCount
	rec := p.record
	p.r.lastReport = &rec
	if p.r.archive != nil {
		if err := p.r.archive.Write(context.Background(), rec); err != nil {
			slog.Warn("could not archive resolution report", "id", p.id, "error", err)
		}
	}
}

func (p *Pending) beginPhase() {
	p.phaseStart = time.Now()
}

func (p *Pending) endPhase(name string) {
	p.record.Phases = append(p.record.Phases, report.PhaseTiming{
		Phase:    name,
		Duration: time.Since(p.phaseStart),
	})
}
