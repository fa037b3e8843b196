package pdu

import (
	"encoding/json"
	"fmt"
)

// Well-known event types consulted by authorization and resolution.
const (
	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeThirdPartyInvite  = "m.room.third_party_invite"
	TypeRedaction         = "m.room.redaction"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeMessage           = "m.room.message"
)

// Membership values.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rule values.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
	JoinRulePrivate         = "private"
)

// Structural limits applied when parsing.
const (
	MaxPrevEvents = 20
	MaxAuthEvents = 10
	MaxEventSize  = 65536
)

// EventHashes carries the content hash of an event.
type EventHashes struct {
	SHA256 string `json:"sha256"`
}

// Event is an immutable, content-addressed unit of room history.
//
// Events are only constructed by ParseEvent (or Builder.Build, which calls
// it), so every Event has a verified shape and a derived EventID. The
// canonical JSON the ID was derived from is retained for storage and
// re-verification.
type Event struct {
	EventID        EventID
	RoomID         RoomID
	Sender         UserID
	Type           string
	StateKey       *string
	Content        json.RawMessage
	OriginServerTS int64
	PrevEvents     []EventID
	AuthEvents     []EventID
	Depth          int64
	Redacts        *EventID
	Hashes         EventHashes
	Signatures     map[string]map[string]string
	Unsigned       json.RawMessage

	version RoomVersion
	raw     []byte
}

// eventJSON is the wire shape used for decoding.
type eventJSON struct {
	RoomID         RoomID                       `json:"room_id"`
	Sender         UserID                       `json:"sender"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Content        json.RawMessage              `json:"content"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	PrevEvents     []EventID                    `json:"prev_events"`
	AuthEvents     []EventID                    `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	Redacts        *EventID                     `json:"redacts,omitempty"`
	Hashes         EventHashes                  `json:"hashes"`
	Signatures     map[string]map[string]string `json:"signatures"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`
}

// ParseEvent validates the shape of a received event and derives its ID.
//
// Any "event_id" key in the input is ignored; the ID is always recomputed
// from the reference hash. The content hash is NOT checked here; see
// VerifyContentHash.
func ParseEvent(data []byte, version RoomVersion) (*Event, error) {
	rules, err := LookupRoomVersion(string(version))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxEventSize {
		return nil, fmt.Errorf("event exceeds %d bytes", MaxEventSize)
	}

	obj, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	delete(obj, "event_id")

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}

	var wire eventJSON
	if err := json.Unmarshal(canonical, &wire); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}

	if err := validateShape(obj, &wire); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}

	refHash, err := referenceHash(obj, rules)
	if err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}

	ev := &Event{
		EventID:        EventID{id: "$" + encodeURLSafe(refHash)},
		RoomID:         wire.RoomID,
		Sender:         wire.Sender,
		Type:           wire.Type,
		StateKey:       wire.StateKey,
		Content:        wire.Content,
		OriginServerTS: wire.OriginServerTS,
		PrevEvents:     wire.PrevEvents,
		AuthEvents:     wire.AuthEvents,
		Depth:          wire.Depth,
		Redacts:        wire.Redacts,
		Hashes:         wire.Hashes,
		Signatures:     wire.Signatures,
		Unsigned:       wire.Unsigned,
		version:        version,
		raw:            canonical,
	}

	for _, id := range ev.PrevEvents {
		if id == ev.EventID {
			return nil, fmt.Errorf("parse event: event lists itself in prev_events")
		}
	}
	for _, id := range ev.AuthEvents {
		if id == ev.EventID {
			return nil, fmt.Errorf("parse event: event lists itself in auth_events")
		}
	}

	return ev, nil
}

func validateShape(obj map[string]any, wire *eventJSON) error {
	for _, key := range []string{"room_id", "sender", "type", "content", "origin_server_ts", "prev_events", "auth_events", "depth", "hashes"} {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("missing required key %q", key)
		}
	}
	if _, ok := obj["content"].(map[string]any); !ok {
		return fmt.Errorf("content must be an object")
	}
	if wire.Type == "" {
		return fmt.Errorf("empty event type")
	}
	if wire.Depth < 0 || wire.Depth > maxCanonicalInt {
		return fmt.Errorf("depth out of range: %d", wire.Depth)
	}
	if len(wire.PrevEvents) > MaxPrevEvents {
		return fmt.Errorf("too many prev_events: %d > %d", len(wire.PrevEvents), MaxPrevEvents)
	}
	if len(wire.AuthEvents) > MaxAuthEvents {
		return fmt.Errorf("too many auth_events: %d > %d", len(wire.AuthEvents), MaxAuthEvents)
	}
	if wire.Type == TypeCreate {
		if len(wire.PrevEvents) != 0 {
			return fmt.Errorf("create event must not have prev_events")
		}
	} else {
		if len(wire.PrevEvents) == 0 {
			return fmt.Errorf("non-create event must have prev_events")
		}
		if wire.Depth < 1 {
			return fmt.Errorf("non-create event must have depth >= 1")
		}
	}
	if hasDuplicates(wire.PrevEvents) {
		return fmt.Errorf("duplicate prev_events")
	}
	if hasDuplicates(wire.AuthEvents) {
		return fmt.Errorf("duplicate auth_events")
	}
	if wire.Hashes.SHA256 == "" {
		return fmt.Errorf("missing hashes.sha256")
	}
	return nil
}

func hasDuplicates(ids []EventID) bool {
	seen := make(map[EventID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

// Version returns the room version the event was parsed under.
func (e *Event) Version() RoomVersion { return e.version }

// Rules returns the version rule table of the event's room.
func (e *Event) Rules() VersionRules { return versionTable[e.version] }

// JSON returns the canonical JSON of the event without event_id.
// The returned slice is a copy.
func (e *Event) JSON() []byte {
	out := make([]byte, len(e.raw))
	copy(out, e.raw)
	return out
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyValue returns the state key or "" for non-state events.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// Key returns the (type, state_key) tuple of a state event.
func (e *Event) Key() (StateKey, bool) {
	if e.StateKey == nil {
		return StateKey{}, false
	}
	return StateKey{Type: e.Type, StateKey: *e.StateKey}, true
}

// Origin returns the server of the sender.
func (e *Event) Origin() ServerName { return e.Sender.Server() }

// object returns a fresh generic map of the canonical form.
func (e *Event) object() (map[string]any, error) {
	return decodeObject(e.raw)
}
