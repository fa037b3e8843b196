package pdu

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserID(t *testing.T) {
	u, err := ParseUserID("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", u.String())
	assert.Equal(t, "example.org", u.Server().String())

	u, err = ParseUserID("@bob:example.org:8448")
	require.NoError(t, err)
	assert.Equal(t, "example.org:8448", u.Server().String())

	for _, bad := range []string{"", "alice:example.org", "@alice", "@alice:", "!room:example.org", "@a:bad/host", "@" + strings.Repeat("a", 300) + ":x"} {
		_, err := ParseUserID(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseRoomID(t *testing.T) {
	r, err := ParseRoomID("!abc:example.org")
	require.NoError(t, err)
	assert.Equal(t, "example.org", r.Server().String())

	_, err = ParseRoomID("#alias:example.org")
	assert.Error(t, err)
}

func TestParseEventID(t *testing.T) {
	id, err := ParseEventID("$abc")
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	for _, bad := range []string{"", "$", "abc", "!abc:x"} {
		_, err := ParseEventID(bad)
		assert.Error(t, err, "input %q", bad)
	}
	assert.True(t, EventID{}.IsZero())
}

func TestParseServerName(t *testing.T) {
	_, err := ParseServerName("matrix.example.org:8448")
	require.NoError(t, err)

	for _, bad := range []string{"", "a b", "x/y", "a@b"} {
		_, err := ParseServerName(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestIdentifiersJSON(t *testing.T) {
	type doc struct {
		Room   RoomID  `json:"room"`
		Sender UserID  `json:"sender"`
		Event  EventID `json:"event"`
	}
	in := doc{
		Room:   MustParseRoomID("!r:example.org"),
		Sender: MustParseUserID("@a:example.org"),
		Event:  MustParseEventID("$e"),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"room":"!r:example.org","sender":"@a:example.org","event":"$e"}`, string(data))

	var out doc
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	err = json.Unmarshal([]byte(`{"room":"nope","sender":"@a:example.org","event":"$e"}`), &out)
	assert.Error(t, err)
}
