package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomgraph/internal/pdu"
)

func TestMemoryNetwork_ServesEvents(t *testing.T) {
	room := StandardRoom(t, pdu.RoomV10, "@alice:a.org", nil)
	net := NewMemoryNetwork()
	net.Serve("a.org", room.Events()...)

	ctx := context.Background()
	data, err := net.FetchEvent(ctx, pdu.MustParseServerName("a.org"), room.ID("power_levels"))
	require.NoError(t, err)

	ev, err := pdu.ParseEvent(data, pdu.RoomV10)
	require.NoError(t, err)
	assert.Equal(t, room.ID("power_levels"), ev.EventID)

	_, err = net.FetchEvent(ctx, pdu.MustParseServerName("b.org"), room.ID("create"))
	assert.ErrorIs(t, err, ErrNotServed)

	net.SetDown("a.org", true)
	_, err = net.FetchEvent(ctx, pdu.MustParseServerName("a.org"), room.ID("create"))
	assert.ErrorIs(t, err, ErrServerDown)

	assert.Equal(t, 3, net.EventFetches())
	assert.Equal(t, 2, net.EventFetchesFrom("a.org"))
}

func TestStandardRoom_Shape(t *testing.T) {
	room := StandardRoom(t, pdu.RoomV10, "@alice:a.org", map[string]int64{"@bob:b.org": 50})

	assert.Equal(t, []string{"create", "creator_join", "power_levels", "join_rules"}, room.Labels())
	assert.Equal(t, int64(0), room.Event("create").Depth)
	assert.Equal(t, int64(3), room.Event("join_rules").Depth)
	assert.Equal(t, "power_levels", room.Label(room.ID("power_levels")))

	pl, err := pdu.ParsePowerLevels(room.Event("power_levels").Content, true)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pl.UserLevel("@alice:a.org"))
	assert.Equal(t, int64(50), pl.UserLevel("@bob:b.org"))

	ring := KeyRing("a.org")
	for _, ev := range room.Events() {
		assert.NoError(t, pdu.VerifySignatures(ev, ring))
	}
}

func TestSequentialIDGenerator(t *testing.T) {
	gen := NewSequentialIDGenerator("trace")
	assert.Equal(t, "trace-1", gen.Generate())
	assert.Equal(t, "trace-2", gen.Generate())
	assert.Equal(t, "test-1", NewSequentialIDGenerator("").Generate())
}
