// Package store provides SQLite-backed durable storage for room event graphs.
//
// The store holds, per room:
//   - Events: content-addressed by event ID, stored as zstd-compressed canonical JSON
//   - Edges: prev_events and auth_events links, both constrained to stored events
//   - Forward extremities: the current DAG leaves
//   - State: the state after every event and the current resolved state,
//     deduplicated through content-addressed snapshots
//
// # Critical Patterns
//
// Ancestors first: an event is only accepted once every prev_event and
// auth_event is stored. Missing references return *MissingAncestorsError.
//
// Idempotent puts: re-putting a stored event is a no-op, never an error.
//
// Atomic commit: the event, its state snapshot, the extremity update and
// the new current state are written in one transaction.
//
// Deterministic reads: every query that returns a list orders it by
// stream_ordering or by event ID.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
