// Package statecache materializes room state.
//
// It holds, per room, the current resolved state behind an atomic pointer
// so readers never lock, and an LRU of state snapshots keyed by event ID so
// the state before a new event is usually a map lookup.
//
// The cache never invents state. New state arrives through Publish after
// the store has committed it, and everything the cache returns can be
// rebuilt from the store.
package statecache
