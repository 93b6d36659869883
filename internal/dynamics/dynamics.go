// Package dynamics implements the concrete timing analysis: it derives
// per-port trigger characteristics for every deployed task by fixed-point
// propagation, then turns them into connection buffering policies sized
// so no consumer loses data.
package dynamics

import (
	"fmt"
	"math"
	"sort"
)

// Trigger is one contribution to a port's timing: an origin name, the
// period it fires at (zero for one-shot bursts) and how many samples each
// firing produces.
type Trigger struct {
	Name        string
	Period      float64
	SampleCount int
}

// PortDynamics records the triggers of one port (or of a task itself) as
// they are discovered during propagation.
//
// Once Finalize is called the record is immutable; any further mutation
// is an internal-consistency error, never silently ignored.
type PortDynamics struct {
	triggers []Trigger
	done     bool
}

// AddTrigger merges one trigger contribution. Contributions are unioned
// by origin name, so re-merging the same upstream during partial
// propagation is idempotent.
func (d *PortDynamics) AddTrigger(t Trigger) error {
	if d.done {
		return &FinalizedError{}
	}
	for i := range d.triggers {
		if d.triggers[i].Name == t.Name {
			d.triggers[i] = t
			return nil
		}
	}
	d.triggers = append(d.triggers, t)
	return nil
}

// Merge unions all triggers of other into d.
func (d *PortDynamics) Merge(other *PortDynamics) error {
	if other == nil {
		return nil
	}
	for _, t := range other.triggers {
		if err := d.AddTrigger(t); err != nil {
			return err
		}
	}
	return nil
}

// Finalize marks the record complete. Finalizing twice is an error for
// the same reason mutating after finalization is: it means the analysis
// lost track of what it already resolved.
func (d *PortDynamics) Finalize() error {
	if d.done {
		return &FinalizedError{}
	}
	d.done = true
	sort.Slice(d.triggers, func(i, j int) bool { return d.triggers[i].Name < d.triggers[j].Name })
	return nil
}

// Done reports whether the record has been finalized.
func (d *PortDynamics) Done() bool { return d.done }

// Empty reports whether no trigger was ever contributed.
func (d *PortDynamics) Empty() bool { return len(d.triggers) == 0 }

// Triggers returns the trigger list. Callers must not mutate it.
func (d *PortDynamics) Triggers() []Trigger { return d.triggers }

// MinPeriod returns the smallest positive trigger period, or zero when no
// periodic trigger exists.
func (d *PortDynamics) MinPeriod() float64 {
	min := 0.0
	for _, t := range d.triggers {
		if t.Period > 0 && (min == 0 || t.Period < min) {
			min = t.Period
		}
	}
	return min
}

// QueueSize computes the worst-case number of samples produced within the
// given reading latency, padded by the safety margin and rounded up.
//
// Each periodic trigger can fire ceil(latency/period) times within the
// window, producing SampleCount samples per firing; one extra sample
// accounts for a write in flight while the reader drains.
func (d *PortDynamics) QueueSize(latency, margin float64) int {
	samples := 1
	for _, t := range d.triggers {
		if t.Period > 0 {
			samples += int(math.Ceil(latency/t.Period)) * t.SampleCount
		} else {
			samples += t.SampleCount
		}
	}
	return int(math.Ceil(float64(samples) * (1 + margin)))
}

// FinalizedError reports an attempt to mutate port dynamics after they
// were marked done. It always indicates a bug in the analysis.
type FinalizedError struct {
	Context string
}

func (e *FinalizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("modifying finalized port info (%s)", e.Context)
	}
	return "modifying finalized port info"
}
