package dynamics

import (
	"fmt"
	"log/slog"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
)

// DefaultBufferMargin is the safety factor added on top of the computed
// worst-case sample count.
const DefaultBufferMargin = 0.1

// DefaultTriggerLatency is the reading latency assumed for a sink port
// that itself drives its task: the task wakes up on arrival, so the
// window is the scheduling latency, not a full trigger period.
const DefaultTriggerLatency = 0.01

// PolicyConfig parameterizes policy computation.
type PolicyConfig struct {
	// Margin is the non-negative buffer safety margin.
	Margin float64

	// TriggerLatency is the reading latency for task-triggering sinks.
	TriggerLatency float64

	// Fallback, when non-nil, is used for connections whose dynamics
	// could not be resolved, downgrading the failure to a warning.
	Fallback *plan.Policy
}

// Validate rejects a negative margin.
func (c PolicyConfig) Validate() error {
	if c.Margin < 0 {
		return fmt.Errorf("buffer margin must be non-negative, got %g", c.Margin)
	}
	return nil
}

// SpecificationError reports a connection whose policy could not be
// computed because one side's dynamics never resolved and no fallback
// policy was supplied.
type SpecificationError struct {
	Conn plan.ConnKey
	Side string // "source" or "sink"
}

func (e *SpecificationError) Error() string {
	return fmt.Sprintf("cannot compute policy for %s: %s dynamics are unresolvable", e.Conn, e.Side)
}

// PolicyFor computes the buffering policy of one connection.
//
// Idempotent: an already fully-specified policy is returned unchanged.
// Ports declared unreliable get a latest-value or single-slot policy
// without timing computation. Everything else is sized from the source
// port's worst-case production within the sink's reading latency.
func (a *Analysis) PolicyFor(c *plan.Connection, cfg PolicyConfig) (plan.Policy, error) {
	if err := cfg.Validate(); err != nil {
		return plan.Policy{}, err
	}
	if c.Policy != nil && c.Policy.FullySpecified() {
		return *c.Policy, nil
	}

	sink := a.graph.Task(c.Sink)
	sinkModel := a.analyzable(sink)
	if sinkModel == nil {
		return a.fallbackOr(c, "sink", cfg)
	}
	sinkPort := sinkModel.Port(c.SinkPort)
	if sinkPort == nil {
		return plan.Policy{}, fmt.Errorf("task %d (%s) has no port %s", c.Sink, sink.Model, c.SinkPort)
	}

	if sinkPort.Unreliable {
		if sinkPort.TriggersTask {
			// The sample must not be overwritten before it wakes the
			// task up, so a single-slot queue instead of latest-value.
			return plan.Policy{Kind: plan.PolicyBuffer, Size: 1}, nil
		}
		return plan.Policy{Kind: plan.PolicyData}, nil
	}

	latency, ok := a.readingLatency(c.Sink, sinkPort.TriggersTask, cfg)
	if !ok {
		return a.fallbackOr(c, "sink", cfg)
	}

	srcDyn := a.PortDynamics(c.Source, c.SourcePort)
	if srcDyn == nil || !srcDyn.Done() || srcDyn.Empty() {
		return a.fallbackOr(c, "source", cfg)
	}

	return plan.Policy{
		Kind: plan.PolicyBuffer,
		Size: srcDyn.QueueSize(latency, cfg.Margin),
	}, nil
}

// readingLatency is how long a sample may sit in the connection before
// the sink reads it: the sink's own trigger period, or the trigger
// latency when the port is what drives the task.
func (a *Analysis) readingLatency(sink plan.TaskID, triggersTask bool, cfg PolicyConfig) (float64, bool) {
	if triggersTask {
		latency := cfg.TriggerLatency
		if latency <= 0 {
			latency = DefaultTriggerLatency
		}
		return latency, true
	}
	dyn := a.TaskDynamics(sink)
	if dyn == nil || !dyn.Done() {
		return 0, false
	}
	period := dyn.MinPeriod()
	if period <= 0 {
		return 0, false
	}
	return period, true
}

func (a *Analysis) fallbackOr(c *plan.Connection, side string, cfg PolicyConfig) (plan.Policy, error) {
	if cfg.Fallback != nil {
		slog.Warn("connection dynamics unresolvable, using fallback policy",
			"connection", c.Key().String(),
			"side", side,
			"policy", cfg.Fallback.String(),
		)
		return *cfg.Fallback, nil
	}
	return plan.Policy{}, &SpecificationError{Conn: c.Key(), Side: side}
}
