// Package auth decides whether an event is admissible.
//
// Check is a pure function of an event and the state assembled from the
// event's auth events. It never reads the store, so the same decision can
// be replayed against historical state by state resolution.
//
// Rules are evaluated in a fixed order and the first failing rule wins:
//  1. create bootstrap
//  2. auth event shape (one create, only the keys the event needs)
//  3. membership transitions for m.room.member
//  4. sender must be joined
//  5. power level thresholds, including per-type overrides
//  6. state keys naming users must name the sender
//  7. power level changes may not exceed the sender's own level
//
// Room-version differences come from pdu.VersionRules, never from version
// string comparisons.
package auth
