package pdu

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

func encodeURLSafe(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
func encodeStd(b []byte) string     { return base64.RawStdEncoding.EncodeToString(b) }

// ContentHash computes the unpadded standard base64 SHA-256 of the event
// object with unsigned, signatures, hashes and event_id removed.
func ContentHash(obj map[string]any) (string, error) {
	stripped := withoutKeys(obj, "unsigned", "signatures", "hashes", "event_id")
	data, err := MarshalCanonical(stripped)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return encodeStd(sum[:]), nil
}

// ReferenceHash computes the SHA-256 of the redacted canonical form with
// signatures, unsigned and event_id removed. The event ID is derived
// from it.
func ReferenceHash(data []byte, version RoomVersion) ([]byte, error) {
	rules, err := LookupRoomVersion(string(version))
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("reference hash: %w", err)
	}
	return referenceHash(obj, rules)
}

func referenceHash(obj map[string]any, rules VersionRules) ([]byte, error) {
	redacted := redactObject(obj, rules)
	stripped := withoutKeys(redacted, "signatures", "unsigned", "event_id")
	data, err := MarshalCanonical(stripped)
	if err != nil {
		return nil, fmt.Errorf("reference hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// ComputeEventID derives the event ID of raw event JSON.
func ComputeEventID(data []byte, version RoomVersion) (EventID, error) {
	h, err := ReferenceHash(data, version)
	if err != nil {
		return EventID{}, err
	}
	return EventID{id: "$" + encodeURLSafe(h)}, nil
}

// MustComputeEventID is like ComputeEventID but panics on error.
func MustComputeEventID(data []byte, version RoomVersion) EventID {
	id, err := ComputeEventID(data, version)
	if err != nil {
		panic(fmt.Sprintf("pdu.MustComputeEventID: %v", err))
	}
	return id
}

// VerifyContentHash recomputes the content hash and compares it with the
// declared hashes.sha256.
func (e *Event) VerifyContentHash() error {
	obj, err := e.object()
	if err != nil {
		return err
	}
	got, err := ContentHash(obj)
	if err != nil {
		return err
	}
	if got != e.Hashes.SHA256 {
		return fmt.Errorf("content hash mismatch for %s: declared %s, computed %s", e.EventID, e.Hashes.SHA256, got)
	}
	return nil
}

// withoutKeys returns a shallow copy of obj without the named keys.
func withoutKeys(obj map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
