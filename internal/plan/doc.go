// Package plan implements the task graph the resolution engine works
// against: an arena of tasks addressed by stable integer identifiers,
// dataflow connections, dependency edges, and a copy-on-write transaction
// overlay with atomic commit-or-discard semantics.
//
// The plan is deliberately dumb. It knows nothing about component models,
// deployments, or timing; it only guarantees structural integrity
// (dangling edges are impossible) and transactional isolation (the base
// graph is untouched until Commit).
package plan
