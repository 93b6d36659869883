package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rock-core/tools-syskit-sub009/internal/dynamics"
	"github.com/rock-core/tools-syskit-sub009/internal/merge"
	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/registry"
)

// Code categorizes resolution failures for reporting and archival.
type Code string

const (
	// CodeAllocation: an abstract task could not be bound to any
	// concrete implementation.
	CodeAllocation Code = "ALLOCATION"

	// CodeDeployment: concrete tasks have zero or ambiguous deployment
	// candidates; collected across the whole pass.
	CodeDeployment Code = "DEPLOYMENT"

	// CodeSpecification: a connection's policy could not be computed and
	// no fallback was available.
	CodeSpecification Code = "SPECIFICATION"

	// CodeValidation: a network validation pass rejected the graph.
	CodeValidation Code = "VALIDATION"

	// CodeInternal: the engine's own invariants were violated. Always
	// fatal, never retried, never masked as an ordinary failure.
	CodeInternal Code = "INTERNAL"
)

// AbstractTask describes one unallocated abstract task together with the
// providers that were considered, so the failure can be diagnosed without
// re-running with tracing enabled.
type AbstractTask struct {
	Task       plan.TaskID
	Model      string
	Candidates []string
}

// AllocationError enumerates the abstract tasks left after network
// generation. Not retried automatically.
type AllocationError struct {
	Tasks []AbstractTask
}

func (e *AllocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s) could not be allocated to a concrete implementation:", len(e.Tasks))
	for _, t := range e.Tasks {
		fmt.Fprintf(&b, "\n  task %d (%s)", t.Task, t.Model)
		if len(t.Candidates) > 0 {
			fmt.Fprintf(&b, " candidates: %s", strings.Join(t.Candidates, ", "))
		}
	}
	return b.String()
}

// MissingDeployment describes one task the deployment pass could not
// bind, with the candidate slots it considered.
type MissingDeployment struct {
	Task       plan.TaskID
	Model      string
	Candidates []registry.Candidate
	Reason     string
}

// DeploymentError aggregates every deployment-matching failure of one
// pass: they are reported together, not one by one.
type DeploymentError struct {
	Missing []MissingDeployment
}

func (e *DeploymentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s) could not be deployed:", len(e.Missing))
	for _, m := range e.Missing {
		fmt.Fprintf(&b, "\n  task %d (%s): %s", m.Task, m.Model, m.Reason)
		if len(m.Candidates) > 0 {
			names := make([]string, len(m.Candidates))
			for i, c := range m.Candidates {
				names[i] = c.String()
			}
			fmt.Fprintf(&b, " (considered: %s)", strings.Join(names, ", "))
		}
	}
	return b.String()
}

// ValidationError reports a rejected network with the offending tasks or
// connections enumerated.
type ValidationError struct {
	Phase   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s network validation failed: %s", e.Phase, e.Problem)
}

// StateError reports a pipeline method invoked in the wrong engine state.
type StateError struct {
	Op   string
	Have State
	Want State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: engine is %s, requires %s", e.Op, e.Have, e.Want)
}

// CodeOf maps an error to its taxonomy code. Internal-consistency errors
// are always reported as such rather than dressed up as allocation
// failures.
func CodeOf(err error) Code {
	var alloc *AllocationError
	if errors.As(err, &alloc) {
		return CodeAllocation
	}
	var dep *DeploymentError
	if errors.As(err, &dep) {
		return CodeDeployment
	}
	var spec *dynamics.SpecificationError
	if errors.As(err, &spec) {
		return CodeSpecification
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return CodeValidation
	}
	var internalMerge *merge.InternalError
	var finalized *dynamics.FinalizedError
	var state *StateError
	if errors.As(err, &internalMerge) || errors.As(err, &finalized) || errors.As(err, &state) {
		return CodeInternal
	}
	return CodeInternal
}
