package resolver

import (
	"github.com/rock-core/tools-syskit-sub009/internal/dynamics"
	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/report"
)

// State is the resolution engine's lifecycle position.
type State string

const (
	StateIdle            State = "idle"
	StatePrepared        State = "prepared"
	StateNetworkComputed State = "network-computed"
	StateDeployed        State = "deployed"
	StateCommitted       State = "finalized(committed)"
	StateRolledBack      State = "finalized(rolled-back)"
)

// OnErrorPolicy selects what happens to the working transaction when a
// resolution fails after the transaction was opened.
type OnErrorPolicy int

const (
	// OnErrorDiscard drops the working transaction (default).
	OnErrorDiscard OnErrorPolicy = iota

	// OnErrorCommit commits the broken network anyway so it can be
	// inspected offline. The failure is still re-raised to the caller.
	OnErrorCommit

	// OnErrorNone takes no special action beyond the mandatory cleanup:
	// no snapshot is written, the transaction is discarded.
	OnErrorNone
)

// Config is the engine's explicit configuration: no global registries,
// everything passed at construction.
type Config struct {
	// BufferMargin is the non-negative safety factor on computed buffer
	// sizes.
	BufferMargin float64

	// TriggerLatency is the assumed reading latency of task-triggering
	// sink ports.
	TriggerLatency float64

	// DefaultPolicy, when non-nil, is the fallback for connections whose
	// dynamics cannot be resolved.
	DefaultPolicy *plan.Policy

	// Per-phase toggles.
	ComputeDeployments bool
	ComputePolicies    bool
	GarbageCollect     bool

	// Per-phase validation toggles.
	ValidateAbstractNetwork  bool
	ValidateGeneratedNetwork bool
	ValidateDeployedNetwork  bool
	ValidateFinalNetwork     bool

	// OnError selects the unrecoverable-error policy.
	OnError OnErrorPolicy

	// KeepReplacementGraph retains the previous resolution's replacement
	// graph for debugging instead of clearing it during prepare.
	KeepReplacementGraph bool

	// SnapshotDir, when set, receives a best-effort DOT rendition of the
	// working graph when a resolution fails.
	SnapshotDir string
}

// DefaultConfig returns the production defaults: everything enabled,
// margin 0.1, failures discard the transaction.
func DefaultConfig() Config {
	return Config{
		BufferMargin:             dynamics.DefaultBufferMargin,
		TriggerLatency:           dynamics.DefaultTriggerLatency,
		ComputeDeployments:       true,
		ComputePolicies:          true,
		GarbageCollect:           true,
		ValidateAbstractNetwork:  true,
		ValidateGeneratedNetwork: true,
		ValidateDeployedNetwork:  true,
		ValidateFinalNetwork:     true,
		OnError:                  OnErrorDiscard,
	}
}

// Hook is one caller-supplied graph postprocessing step. Hooks run in
// registration order; an error aborts the resolution.
type Hook func(g *plan.Graph) error

// Option configures a Resolver at construction.
type Option func(*Resolver)

// WithConfig replaces the default configuration wholesale.
func WithConfig(cfg Config) Option {
	return func(r *Resolver) { r.cfg = cfg }
}

// WithAugmentationHook appends a hook run after task merging and before
// composition merging, the point where additional infrastructure (for
// example communication-bus tasks) is injected into the network.
func WithAugmentationHook(h Hook) Option {
	return func(r *Resolver) { r.augmentationHooks = append(r.augmentationHooks, h) }
}

// WithFinalizationHook appends a hook run on the final network just
// before commit.
func WithFinalizationHook(h Hook) Option {
	return func(r *Resolver) { r.finalizationHooks = append(r.finalizationHooks, h) }
}

// WithArchive attaches a diagnostics archive. Archival is best effort;
// write failures are logged and swallowed.
func WithArchive(a *report.Archive) Option {
	return func(r *Resolver) { r.archive = a }
}
