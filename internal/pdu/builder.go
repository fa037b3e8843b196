package pdu

import (
	"encoding/json"
	"fmt"
)

// Builder assembles a new local event. Build fills in hashes and the
// signature and returns a parsed Event.
type Builder struct {
	RoomID         RoomID
	Sender         UserID
	Type           string
	StateKey       *string
	Content        any
	PrevEvents     []EventID
	AuthEvents     []EventID
	Depth          int64
	OriginServerTS int64
	Redacts        *EventID
}

// StateKeyPtr is a convenience for Builder.StateKey.
func StateKeyPtr(s string) *string { return &s }

// Build hashes, signs and parses the event under the given room version.
func (b Builder) Build(key SigningKey, version RoomVersion) (*Event, error) {
	rules, err := LookupRoomVersion(string(version))
	if err != nil {
		return nil, err
	}

	content := b.Content
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("build event: marshal content: %w", err)
	}
	contentObj, err := decodeObject(contentJSON)
	if err != nil {
		return nil, fmt.Errorf("build event: content: %w", err)
	}

	obj := map[string]any{
		"room_id":          b.RoomID.String(),
		"sender":           b.Sender.String(),
		"type":             b.Type,
		"content":          contentObj,
		"origin_server_ts": b.OriginServerTS,
		"prev_events":      idStrings(b.PrevEvents),
		"auth_events":      idStrings(b.AuthEvents),
		"depth":            b.Depth,
	}
	if b.StateKey != nil {
		obj["state_key"] = *b.StateKey
	}
	if b.Redacts != nil {
		obj["redacts"] = b.Redacts.String()
	}

	hash, err := ContentHash(obj)
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	obj["hashes"] = map[string]any{"sha256": hash}

	if err := signObject(obj, key, rules); err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}

	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	return ParseEvent(data, version)
}

func idStrings(ids []EventID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
