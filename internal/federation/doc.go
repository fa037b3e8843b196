// Package federation implements the intake pipeline for events arriving
// from remote servers, and the local send path that shares its locked
// phases.
//
// Each event moves through:
//
//	Received -> FetchingAncestors -> Authorizing -> Resolving -> Persisted
//
// or ends Rejected (stored, excluded from state), Pending (ancestors
// unavailable for now) or Discarded (ancestor chain exceeds the fetch
// bounds).
//
// Fetching happens outside the per-room lock. Only the authorize, resolve
// and persist sequence holds it, so a slow remote never blocks other work
// in the same room. Fetched ancestors go through the same locked phases as
// the event that needed them, oldest first, so the store only ever holds
// events whose references it already holds.
package federation
