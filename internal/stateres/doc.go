// Package stateres computes the resolved state of a room from conflicting
// state sets.
//
// Resolution is deterministic: it depends only on the input sets and the
// events they reference, never on input order or arrival time. Every server
// holding the same events computes the same answer.
//
// Algorithm:
//  1. Partition keys into unconflicted (every set that has the key agrees)
//     and conflicted (at least two different events).
//  2. With no conflicts, return the unconflicted state directly.
//  3. Collect the conflicted events plus the auth difference: events in the
//     auth chain of some but not all input sets.
//  4. Order that set topologically by auth_events, breaking ties by sender
//     power ascending, then origin_server_ts, then event ID. Higher power
//     events therefore apply later and win.
//  5. Replay each event through auth.Check against the state accumulated so
//     far; events that fail are dropped, the last surviving event per key
//     wins.
//  6. Overlay the unconflicted entries.
//
// CRITICAL: missing events are never skipped. Resolution returns
// *IncompleteError listing them so the caller can fetch and retry.
package stateres
