package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePowerLevelsDefaults(t *testing.T) {
	pl, err := ParsePowerLevels([]byte(`{}`), true)
	require.NoError(t, err)

	assert.Equal(t, int64(50), pl.Ban)
	assert.Equal(t, int64(50), pl.Kick)
	assert.Equal(t, int64(50), pl.Redact)
	assert.Equal(t, int64(0), pl.Invite)
	assert.Equal(t, int64(0), pl.EventsDefault)
	assert.Equal(t, int64(50), pl.StateDefault)
	assert.Equal(t, int64(0), pl.UserLevel("@anyone:x"))
	assert.Equal(t, int64(50), pl.EventLevel("m.room.name", true))
	assert.Equal(t, int64(0), pl.EventLevel("m.room.message", false))
}

func TestParsePowerLevelsValues(t *testing.T) {
	pl, err := ParsePowerLevels([]byte(`{
		"ban": 60,
		"users_default": 5,
		"events": {"m.room.name": 25, "m.room.message": 10},
		"users": {"@alice:x": 100, "@bob:x": 50}
	}`), true)
	require.NoError(t, err)

	assert.Equal(t, int64(60), pl.Ban)
	assert.Equal(t, int64(100), pl.UserLevel("@alice:x"))
	assert.Equal(t, int64(5), pl.UserLevel("@carol:x"))
	assert.Equal(t, int64(25), pl.EventLevel("m.room.name", true))
	assert.Equal(t, int64(10), pl.EventLevel("m.room.message", false))
	assert.Equal(t, []string{"@alice:x", "@bob:x"}, pl.SortedUsers())
}

func TestParsePowerLevelsStrictness(t *testing.T) {
	lenient, err := ParsePowerLevels([]byte(`{"ban": "75", "users": {"@a:x": " 20 "}}`), false)
	require.NoError(t, err)
	assert.Equal(t, int64(75), lenient.Ban)
	assert.Equal(t, int64(20), lenient.UserLevel("@a:x"))

	_, err = ParsePowerLevels([]byte(`{"ban": "75"}`), true)
	assert.Error(t, err)

	_, err = ParsePowerLevels([]byte(`{"ban": "high"}`), false)
	assert.Error(t, err)

	_, err = ParsePowerLevels([]byte(`{"users": []}`), false)
	assert.Error(t, err)

	_, err = ParsePowerLevels([]byte(`{"kick": true}`), false)
	assert.Error(t, err)

	_, err = ParsePowerLevels([]byte(`[]`), false)
	assert.Error(t, err)
}

func TestDefaultPowerLevels(t *testing.T) {
	pl := DefaultPowerLevels("@creator:x")
	assert.Equal(t, int64(100), pl.UserLevel("@creator:x"))
	assert.Equal(t, int64(0), pl.UserLevel("@other:x"))
	assert.Equal(t, int64(0), pl.EventLevel("m.room.topic", true))
}

func TestContentAccessors(t *testing.T) {
	key := testKey(t, "example.org")
	create := buildCreate(t, key, RoomV10)
	assert.Equal(t, "@alice:example.org", create.Creator())
	assert.Equal(t, "10", create.CreateRoomVersion())

	jr, err := Builder{
		RoomID:   create.RoomID,
		Sender:   create.Sender,
		Type:     TypeJoinRules,
		StateKey: StateKeyPtr(""),
		Content: map[string]any{
			"join_rule": "restricted",
			"allow": []any{
				map[string]any{"type": "m.room_membership", "room_id": "!space:example.org"},
				map[string]any{"type": "m.something_else", "room_id": "!nope:example.org"},
			},
		},
		PrevEvents: []EventID{create.EventID},
		AuthEvents: []EventID{create.EventID},
		Depth:      2,
	}.Build(key, RoomV10)
	require.NoError(t, err)
	assert.Equal(t, JoinRuleRestricted, jr.JoinRule())
	assert.Equal(t, []string{"!space:example.org"}, jr.JoinRuleAllowRooms())
	assert.Equal(t, "", jr.Membership())
}

func TestCreatorFromSenderInV11(t *testing.T) {
	key := testKey(t, "example.org")
	ev, err := Builder{
		RoomID:   MustParseRoomID("!room:example.org"),
		Sender:   MustParseUserID("@bob:example.org"),
		Type:     TypeCreate,
		StateKey: StateKeyPtr(""),
		Content:  map[string]any{"creator": "@mallory:example.org", "room_version": "11"},
	}.Build(key, RoomV11)
	require.NoError(t, err)
	assert.Equal(t, "@bob:example.org", ev.Creator())
}

func TestLookupRoomVersion(t *testing.T) {
	for _, v := range SupportedRoomVersions() {
		rules, err := LookupRoomVersion(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, rules.Version)
	}

	_, err := LookupRoomVersion("5")
	assert.Error(t, err)

	assert.False(t, MustLookupRoomVersion(RoomV6).Knocking)
	assert.True(t, MustLookupRoomVersion(RoomV7).Knocking)
	assert.False(t, MustLookupRoomVersion(RoomV7).RestrictedJoins)
	assert.True(t, MustLookupRoomVersion(RoomV8).RestrictedJoins)
	assert.False(t, MustLookupRoomVersion(RoomV9).IntegerPowerLevels)
	assert.True(t, MustLookupRoomVersion(RoomV10).IntegerPowerLevels)
	assert.True(t, MustLookupRoomVersion(RoomV11).CreatorFromSender)
}
