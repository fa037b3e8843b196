package pdu

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func testKey(t *testing.T, server string) SigningKey {
	t.Helper()
	seed := sha256.Sum256([]byte(server))
	key, err := NewSigningKeyFromSeed(MustParseServerName(server), "ed25519:test", seed[:])
	require.NoError(t, err)
	return key
}

func buildCreate(t *testing.T, key SigningKey, version RoomVersion) *Event {
	t.Helper()
	ev, err := Builder{
		RoomID:         MustParseRoomID("!room:" + key.Server.String()),
		Sender:         MustParseUserID("@alice:" + key.Server.String()),
		Type:           TypeCreate,
		StateKey:       StateKeyPtr(""),
		Content:        map[string]any{"creator": "@alice:" + key.Server.String(), "room_version": string(version)},
		OriginServerTS: 1000,
	}.Build(key, version)
	require.NoError(t, err)
	return ev
}

func buildMessage(t *testing.T, key SigningKey, prev *Event, body string) *Event {
	t.Helper()
	ev, err := Builder{
		RoomID:         prev.RoomID,
		Sender:         MustParseUserID("@alice:" + key.Server.String()),
		Type:           TypeMessage,
		Content:        map[string]any{"msgtype": "m.text", "body": body},
		PrevEvents:     []EventID{prev.EventID},
		AuthEvents:     []EventID{prev.EventID},
		Depth:          prev.Depth + 1,
		OriginServerTS: 2000,
	}.Build(key, prev.Version())
	require.NoError(t, err)
	return ev
}

// =============================================================================
// Parsing and identity
// =============================================================================

func TestBuildProducesContentAddressedEvent(t *testing.T) {
	key := testKey(t, "example.org")
	ev := buildCreate(t, key, RoomV10)

	assert.True(t, strings.HasPrefix(ev.EventID.String(), "$"))
	assert.Len(t, ev.EventID.String(), 44, "sha256 in unpadded base64 is 43 chars plus sigil")
	assert.NotContains(t, ev.EventID.String(), "+")
	assert.NotContains(t, ev.EventID.String(), "/")

	id, err := ComputeEventID(ev.JSON(), RoomV10)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, id)

	require.NoError(t, ev.VerifyContentHash())
}

func TestParseEventIgnoresDeclaredEventID(t *testing.T) {
	key := testKey(t, "example.org")
	ev := buildCreate(t, key, RoomV10)

	obj, err := decodeObject(ev.JSON())
	require.NoError(t, err)
	obj["event_id"] = "$forged"
	data, err := MarshalCanonical(obj)
	require.NoError(t, err)

	parsed, err := ParseEvent(data, RoomV10)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, parsed.EventID)
}

func TestParseEventIsDeterministic(t *testing.T) {
	key := testKey(t, "example.org")
	ev := buildCreate(t, key, RoomV10)

	// Whitespace and key order do not change identity.
	pretty := `  ` + string(ev.JSON()) + "\n"
	parsed, err := ParseEvent([]byte(pretty), RoomV10)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, parsed.EventID)
	assert.Equal(t, ev.JSON(), parsed.JSON())
}

func TestUnsignedDoesNotAffectEventID(t *testing.T) {
	key := testKey(t, "example.org")
	ev := buildCreate(t, key, RoomV10)

	obj, err := decodeObject(ev.JSON())
	require.NoError(t, err)
	obj["unsigned"] = map[string]any{"age": int64(42)}
	data, err := MarshalCanonical(obj)
	require.NoError(t, err)

	parsed, err := ParseEvent(data, RoomV10)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, parsed.EventID)
	require.NoError(t, parsed.VerifyContentHash())
}

func TestContentTamperingDetected(t *testing.T) {
	key := testKey(t, "example.org")
	create := buildCreate(t, key, RoomV10)
	msg := buildMessage(t, key, create, "hello")

	obj, err := decodeObject(msg.JSON())
	require.NoError(t, err)
	obj["content"] = map[string]any{"msgtype": "m.text", "body": "goodbye"}
	data, err := MarshalCanonical(obj)
	require.NoError(t, err)

	tampered, err := ParseEvent(data, RoomV10)
	require.NoError(t, err)
	// Message content is redacted away, so the ID and signature still match
	// but the content hash does not.
	assert.Equal(t, msg.EventID, tampered.EventID)
	assert.Error(t, tampered.VerifyContentHash())
}

func TestParseEventStructuralLimits(t *testing.T) {
	key := testKey(t, "example.org")
	create := buildCreate(t, key, RoomV10)

	tooMany := make([]EventID, MaxPrevEvents+1)
	for i := range tooMany {
		tooMany[i] = MustParseEventID("$p" + string(rune('a'+i)))
	}

	tests := []struct {
		name string
		b    Builder
	}{
		{"too many prev events", Builder{PrevEvents: tooMany, AuthEvents: []EventID{create.EventID}, Depth: 2}},
		{"no prev events", Builder{AuthEvents: []EventID{create.EventID}, Depth: 2}},
		{"zero depth", Builder{PrevEvents: []EventID{create.EventID}, AuthEvents: []EventID{create.EventID}, Depth: 0}},
		{"duplicate prev", Builder{PrevEvents: []EventID{create.EventID, create.EventID}, AuthEvents: []EventID{create.EventID}, Depth: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.b
			b.RoomID = create.RoomID
			b.Sender = create.Sender
			b.Type = TypeMessage
			_, err := b.Build(key, RoomV10)
			assert.Error(t, err)
		})
	}
}

func TestParseEventRejectsMissingKeys(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"m.room.message","content":{}}`), RoomV10)
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`[1,2]`), RoomV10)
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{}`), "1")
	assert.Error(t, err, "unsupported room version")
}

// =============================================================================
// Signatures and redaction
// =============================================================================

func TestVerifySignatures(t *testing.T) {
	key := testKey(t, "example.org")
	ev := buildCreate(t, key, RoomV10)

	ring := StaticKeyRing{}
	ring.AddSigningKey(key)
	require.NoError(t, VerifySignatures(ev, ring))

	other := testKey(t, "evil.org")
	wrong := StaticKeyRing{}
	wrong.Add(key.Server, key.KeyID, other.Public())
	assert.Error(t, VerifySignatures(ev, wrong))

	assert.ErrorIs(t, VerifySignatures(ev, StaticKeyRing{}), ErrUnknownKey)
}

func TestSignAddsSecondSignature(t *testing.T) {
	key := testKey(t, "example.org")
	other := testKey(t, "other.org")
	ev := buildCreate(t, key, RoomV10)

	signed, err := Sign(ev, other)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, signed.EventID)
	assert.Contains(t, signed.Signatures, "example.org")
	assert.Contains(t, signed.Signatures, "other.org")
}

func TestRestrictedJoinRequiresAuthorisingServer(t *testing.T) {
	key := testKey(t, "example.org")
	create := buildCreate(t, key, RoomV10)

	join, err := Builder{
		RoomID:   create.RoomID,
		Sender:   MustParseUserID("@bob:remote.org"),
		Type:     TypeMember,
		StateKey: StateKeyPtr("@bob:remote.org"),
		Content: map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": "@alice:example.org",
		},
		PrevEvents: []EventID{create.EventID},
		AuthEvents: []EventID{create.EventID},
		Depth:      2,
	}.Build(testKey(t, "remote.org"), RoomV10)
	require.NoError(t, err)

	assert.Equal(t, []ServerName{MustParseServerName("remote.org"), MustParseServerName("example.org")}, join.RequiredSigners())

	ring := StaticKeyRing{}
	ring.AddSigningKey(testKey(t, "remote.org"))
	ring.AddSigningKey(key)
	assert.Error(t, VerifySignatures(join, ring), "authorising server has not signed")

	cosigned, err := Sign(join, key)
	require.NoError(t, err)
	assert.NoError(t, VerifySignatures(cosigned, ring))
}

func TestRedactionPreservesEventID(t *testing.T) {
	key := testKey(t, "example.org")
	create := buildCreate(t, key, RoomV10)
	msg := buildMessage(t, key, create, "secret")

	redacted, err := msg.Redacted()
	require.NoError(t, err)
	assert.Equal(t, msg.EventID, redacted.EventID)
	assert.JSONEq(t, `{}`, string(redacted.Content))
}

func TestRedactionKeySetsByVersion(t *testing.T) {
	pl := []byte(`{"type":"m.room.power_levels","content":{"ban":50,"invite":10,"users":{"@a:x":100},"notifications":{"room":50}}}`)

	v10, err := Redact(pl, RoomV10)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"m.room.power_levels","content":{"ban":50,"users":{"@a:x":100}}}`, string(v10))

	v11, err := Redact(pl, RoomV11)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"m.room.power_levels","content":{"ban":50,"invite":10,"users":{"@a:x":100}}}`, string(v11))

	jr := []byte(`{"type":"m.room.join_rules","origin":"x","content":{"join_rule":"restricted","allow":[{"type":"m.room_membership","room_id":"!r:x"}]}}`)
	v7, err := Redact(jr, RoomV7)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"m.room.join_rules","origin":"x","content":{"join_rule":"restricted"}}`, string(v7))

	v11jr, err := Redact(jr, RoomV11)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"m.room.join_rules","content":{"join_rule":"restricted","allow":[{"type":"m.room_membership","room_id":"!r:x"}]}}`, string(v11jr))

	create := []byte(`{"type":"m.room.create","content":{"creator":"@a:x","room_version":"11","m.federate":false}}`)
	v10c, err := Redact(create, RoomV10)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"m.room.create","content":{"creator":"@a:x"}}`, string(v10c))
	v11c, err := Redact(create, RoomV11)
	require.NoError(t, err)
	assert.JSONEq(t, string(create), string(v11c))
}
