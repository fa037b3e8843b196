package pdu

import "fmt"

var baseTopLevelKeys = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts",
}

var legacyTopLevelKeys = []string{"origin", "membership", "prev_state"}

// redactedContentKeys returns the content keys that survive redaction for
// an event type, or nil when all content is dropped. keepAll is true when
// the whole content object survives.
func redactedContentKeys(evType string, rules VersionRules) (keys []string, keepAll bool) {
	switch evType {
	case TypeMember:
		keys = []string{"membership"}
		if rules.RedactKeepsAuthorisingUser {
			keys = append(keys, "join_authorised_via_users_server")
		}
	case TypeCreate:
		if rules.RedactKeepsFullCreateContent {
			return nil, true
		}
		keys = []string{"creator"}
	case TypeJoinRules:
		keys = []string{"join_rule"}
		if rules.RedactKeepsJoinRuleAllow {
			keys = append(keys, "allow")
		}
	case TypePowerLevels:
		keys = []string{"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"}
		if rules.RedactKeepsInviteLevel {
			keys = append(keys, "invite")
		}
	case TypeHistoryVisibility:
		keys = []string{"history_visibility"}
	}
	return keys, false
}

// redactObject strips an event object down to the keys that survive
// redaction under the given rules. The input is not modified.
func redactObject(obj map[string]any, rules VersionRules) map[string]any {
	out := make(map[string]any, len(baseTopLevelKeys))
	for _, k := range baseTopLevelKeys {
		if v, ok := obj[k]; ok {
			out[k] = v
		}
	}
	if rules.RedactKeepsLegacyTopLevel {
		for _, k := range legacyTopLevelKeys {
			if v, ok := obj[k]; ok {
				out[k] = v
			}
		}
	}

	evType, _ := obj["type"].(string)
	content, _ := obj["content"].(map[string]any)
	keys, keepAll := redactedContentKeys(evType, rules)

	newContent := make(map[string]any)
	switch {
	case keepAll:
		for k, v := range content {
			newContent[k] = v
		}
	default:
		for _, k := range keys {
			if v, ok := content[k]; ok {
				newContent[k] = v
			}
		}
	}
	out["content"] = newContent
	return out
}

// Redact returns the redacted form of an event object.
func Redact(data []byte, version RoomVersion) ([]byte, error) {
	rules, err := LookupRoomVersion(string(version))
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("redact: %w", err)
	}
	return MarshalCanonical(redactObject(obj, rules))
}

// Redacted returns a copy of the event with redaction applied. The event
// ID is unchanged because the reference hash is computed over the
// redacted form.
func (e *Event) Redacted() (*Event, error) {
	data, err := Redact(e.raw, e.version)
	if err != nil {
		return nil, err
	}
	return ParseEvent(data, e.version)
}
