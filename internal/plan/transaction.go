package plan

import (
	"errors"
	"fmt"
)

// ErrTransactionInFlight is returned by Begin when the base graph already
// has an open transaction. Overlapping resolutions against one graph must
// be serialized by the caller.
var ErrTransactionInFlight = errors.New("a transaction is already in flight on this graph")

// ErrTransactionClosed is returned when Commit or Discard is called on a
// transaction that was already committed or discarded.
var ErrTransactionClosed = errors.New("transaction already committed or discarded")

// Transaction is a working copy layered over a base graph. All resolution
// work happens inside the transaction; the base graph is only touched at
// the atomic Commit point. Discard drops every change.
//
// The working copy shares task IDs with the base, so an ID minted inside
// the transaction stays valid after Commit and a base task can be
// addressed from inside the transaction.
type Transaction struct {
	base    *Graph
	working *Graph
	// fromBase marks tasks that existed in the base when the transaction
	// opened: transactional proxies for real, possibly running objects.
	fromBase map[TaskID]bool
	closed   bool
}

// Begin opens a transaction over the base graph. The working copy starts
// as a full copy of the base; per-node copy-on-write sharing is deliberate
// non-complexity we do not attempt.
func Begin(base *Graph) (*Transaction, error) {
	if base.inFlight {
		return nil, ErrTransactionInFlight
	}
	working := NewGraph()
	working.nextID = base.nextID
	fromBase := make(map[TaskID]bool, len(base.tasks))
	for id, t := range base.tasks {
		working.tasks[id] = t.clone()
		fromBase[id] = true
	}
	for k, c := range base.conns {
		cc := *c
		if c.Policy != nil {
			p := *c.Policy
			cc.Policy = &p
		}
		working.conns[k] = &cc
	}
	for d := range base.deps {
		working.deps[d] = struct{}{}
	}
	base.inFlight = true
	return &Transaction{base: base, working: working, fromBase: fromBase}, nil
}

// Graph returns the working graph. Mutations applied to it are isolated
// from the base until Commit.
func (tr *Transaction) Graph() *Graph {
	return tr.working
}

// IsProxy reports whether the task existed in the base graph when the
// transaction opened, i.e. whether it stands in for a real object that a
// merge must unlink rather than delete.
func (tr *Transaction) IsProxy(id TaskID) bool {
	return tr.fromBase[id]
}

// Open reports whether the transaction can still be committed or
// discarded.
func (tr *Transaction) Open() bool {
	return !tr.closed
}

// Commit atomically replaces the base graph's content with the working
// copy. After Commit the transaction is closed and ownership of every
// task created inside it has transferred to the base graph.
func (tr *Transaction) Commit() error {
	if tr.closed {
		return ErrTransactionClosed
	}
	tr.base.tasks = tr.working.tasks
	tr.base.conns = tr.working.conns
	tr.base.deps = tr.working.deps
	tr.base.nextID = tr.working.nextID
	tr.base.inFlight = false
	tr.closed = true
	return nil
}

// Discard drops the working copy, leaving the base graph exactly as it
// was when the transaction opened.
func (tr *Transaction) Discard() error {
	if tr.closed {
		return ErrTransactionClosed
	}
	tr.base.inFlight = false
	tr.closed = true
	return nil
}

// ReplaceTask folds old into new inside the working copy: every edge is
// rewired to new, the replacement is recorded by the caller, and old is
// either removed or, when it proxies a real object, merely unlinked.
func (tr *Transaction) ReplaceTask(old, new TaskID) error {
	if tr.closed {
		return ErrTransactionClosed
	}
	if err := tr.working.ReplaceTask(old, new); err != nil {
		return fmt.Errorf("transaction replace: %w", err)
	}
	if tr.IsProxy(old) {
		tr.working.Unlink(old)
	} else {
		tr.working.RemoveTask(old)
	}
	return nil
}
