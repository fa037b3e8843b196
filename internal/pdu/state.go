package pdu

import (
	"encoding/json"
	"sort"
	"strings"
)

// StateKey is the (event type, state key) tuple a state event occupies.
type StateKey struct {
	Type     string
	StateKey string
}

// String renders the key as "type|state_key".
func (k StateKey) String() string { return k.Type + "|" + k.StateKey }

// ParseStateKey is the inverse of String. The type may not contain '|'.
func ParseStateKey(s string) StateKey {
	typ, sk, _ := strings.Cut(s, "|")
	return StateKey{Type: typ, StateKey: sk}
}

func (k StateKey) less(o StateKey) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	return k.StateKey < o.StateKey
}

// Well-known keys.
var (
	CreateKey      = StateKey{Type: TypeCreate}
	PowerLevelsKey = StateKey{Type: TypePowerLevels}
	JoinRulesKey   = StateKey{Type: TypeJoinRules}
)

// MemberKey returns the key of a user's membership event.
func MemberKey(user string) StateKey {
	return StateKey{Type: TypeMember, StateKey: user}
}

// StateMap maps each key to exactly one event. A StateMap handed out by
// the store or the cache is never mutated; use Clone before changing it.
type StateMap map[StateKey]EventID

// Clone returns an independent copy.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same entries.
func (m StateMap) Equal(o StateMap) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Keys returns the keys in deterministic order.
func (m StateMap) Keys() []StateKey {
	keys := make([]StateKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// EventIDs returns the distinct event IDs in byte order.
func (m StateMap) EventIDs() []EventID {
	seen := make(map[EventID]struct{}, len(m))
	ids := make([]EventID, 0, len(m))
	for _, id := range m {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	SortEventIDs(ids)
	return ids
}

// With returns a copy of m with e applied. Non-state events return m
// unchanged.
func (m StateMap) With(e *Event) StateMap {
	key, ok := e.Key()
	if !ok {
		return m
	}
	out := m.Clone()
	out[key] = e.EventID
	return out
}

// StateEntry is one (key, event) pair in a serialized state map.
type StateEntry struct {
	Type     string  `json:"type"`
	StateKey string  `json:"state_key"`
	EventID  EventID `json:"event_id"`
}

// Entries flattens the map in key order.
func (m StateMap) Entries() []StateEntry {
	keys := m.Keys()
	out := make([]StateEntry, len(keys))
	for i, k := range keys {
		out[i] = StateEntry{Type: k.Type, StateKey: k.StateKey, EventID: m[k]}
	}
	return out
}

// StateMapFromEntries rebuilds a map from Entries output.
func StateMapFromEntries(entries []StateEntry) StateMap {
	out := make(StateMap, len(entries))
	for _, e := range entries {
		out[StateKey{Type: e.Type, StateKey: e.StateKey}] = e.EventID
	}
	return out
}

// StateDelta describes how one state map differs from another.
type StateDelta struct {
	Added   []StateEntry `json:"added,omitempty"`
	Changed []StateEntry `json:"changed,omitempty"`
	Removed []StateEntry `json:"removed,omitempty"`
}

// IsEmpty reports whether the delta has no entries.
func (d StateDelta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffStates computes the delta that turns from into to. Entries are in
// key order. Removed entries carry the event that was removed.
func DiffStates(from, to StateMap) StateDelta {
	var d StateDelta
	for _, k := range to.Keys() {
		id := to[k]
		old, ok := from[k]
		switch {
		case !ok:
			d.Added = append(d.Added, StateEntry{Type: k.Type, StateKey: k.StateKey, EventID: id})
		case old != id:
			d.Changed = append(d.Changed, StateEntry{Type: k.Type, StateKey: k.StateKey, EventID: id})
		}
	}
	for _, k := range from.Keys() {
		if _, ok := to[k]; !ok {
			d.Removed = append(d.Removed, StateEntry{Type: k.Type, StateKey: k.StateKey, EventID: from[k]})
		}
	}
	return d
}

// SortEventIDs sorts in place by byte order.
func SortEventIDs(ids []EventID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].id < ids[j].id })
}

// StateSnapshot is the response of a remote state query: the state
// events at a point in the room and their auth chain.
type StateSnapshot struct {
	PDUs      []json.RawMessage `json:"pdus"`
	AuthChain []json.RawMessage `json:"auth_chain"`
}
