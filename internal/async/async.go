// Package async wraps one resolution as a cancellable background unit of
// work, so a live system is not blocked while the expensive network
// generation phases run.
package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rock-core/tools-syskit-sub009/internal/registry"
	"github.com/rock-core/tools-syskit-sub009/internal/resolver"
)

// ErrNotFinished is returned by Apply when the background work has not
// completed yet.
var ErrNotFinished = errors.New("resolution is still running")

// ErrAlreadyApplied is returned by Apply when the unit was already
// applied or its pending network discarded.
var ErrAlreadyApplied = errors.New("resolution already applied or discarded")

// Resolution is one background resolution. Create with NewResolution,
// launch with Start, consume with Apply.
//
// Cancellation is cooperative and best-effort: Cancel flags intent but
// never pre-empts in-flight work; its only observable effect is at Apply,
// where the produced working transaction is discarded instead of
// committed.
type Resolution struct {
	id       string
	resolver *resolver.Resolver
	reqs     []registry.Requirement

	done      chan struct{}
	cancelled atomic.Bool

	mu      sync.Mutex
	pending *resolver.Pending
	err     error
	applied bool
}

// NewResolution captures the requirement set and prepares a background
// unit of work around the given resolver. Nothing runs until Start.
func NewResolution(r *resolver.Resolver, reqs []registry.Requirement) *Resolution {
	return &Resolution{
		id:       uuid.Must(uuid.NewV7()).String(),
		resolver: r,
		reqs:     append([]registry.Requirement(nil), reqs...),
		done:     make(chan struct{}),
	}
}

// ID returns the unit's identifier.
func (u *Resolution) ID() string { return u.id }

// Start launches the expensive resolution phases on a new goroutine.
// Must be called exactly once.
func (u *Resolution) Start(ctx context.Context) {
	go func() {
		defer close(u.done)
		pending, err := u.resolver.PrepareNetwork(ctx, u.reqs)
		u.mu.Lock()
		u.pending = pending
		u.err = err
		u.mu.Unlock()
	}()
}

// Finished reports whether the background work has completed, whatever
// the outcome. Non-blocking.
func (u *Resolution) Finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// Complete reports whether the background work finished successfully.
// Non-blocking.
func (u *Resolution) Complete() bool {
	if !u.Finished() {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err == nil
}

// Cancelled reports whether Cancel was called. Non-blocking.
func (u *Resolution) Cancelled() bool {
	return u.cancelled.Load()
}

// Cancel flags the unit as cancelled. In-flight work is not interrupted.
func (u *Resolution) Cancel() {
	u.cancelled.Store(true)
}

// Valid reports whether the requirement set captured at creation still
// matches the caller's current one. A stale unit should be cancelled and
// replaced rather than applied.
func (u *Resolution) Valid(current []registry.Requirement) bool {
	return registry.RequirementsEqual(u.reqs, current)
}

// Join blocks until the background work completes and propagates its
// failure, racing against the caller's context. There is no timeout in
// the core; callers wanting one race Join against an external deadline.
func (u *Resolution) Join(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-u.done:
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Apply consumes the finished unit: it discards the produced working
// transaction if the unit was cancelled, re-raises the captured failure
// if the background work failed, and otherwise commits the produced
// network into the live graph. A commit failure is routed through the
// same error-recovery path as a synchronous failure and re-raised.
func (u *Resolution) Apply() (*resolver.Result, error) {
	if !u.Finished() {
		return nil, ErrNotFinished
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.applied {
		return nil, ErrAlreadyApplied
	}
	u.applied = true

	if u.err != nil {
		return nil, u.err
	}
	if u.cancelled.Load() {
		u.pending.Discard()
		return nil, nil
	}
	return u.pending.Apply()
}
