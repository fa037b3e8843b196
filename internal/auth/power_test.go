package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/testutil"
)

func TestPowerLevelChanges(t *testing.T) {
	// alice 100, bob 50 (joined), carol 50 (joined).
	base := func(t *testing.T) *testutil.RoomBuilder {
		room := testutil.StandardRoom(t, pdu.RoomV10, alice, map[string]int64{bob: 50, carol: 50})
		room.Member("bob_join", bob, bob, pdu.MembershipJoin, []string{"join_rules"}, []string{"create", "power_levels", "join_rules"})
		return room
	}
	users := func(extra map[string]any) map[string]any {
		u := map[string]any{alice: 100, bob: 50, carol: 50}
		for k, v := range extra {
			u[k] = v
		}
		return u
	}

	tests := []struct {
		name    string
		content map[string]any
		allowed bool
	}{
		{"no change", map[string]any{"users": users(nil), "state_default": 50}, true},
		{"lower own level", map[string]any{"users": users(map[string]any{bob: 10}), "state_default": 50}, true},
		{"raise own level above self", map[string]any{"users": users(map[string]any{bob: 60}), "state_default": 50}, false},
		{"demote peer at same level", map[string]any{"users": users(map[string]any{carol: 0}), "state_default": 50}, false},
		{"promote newcomer to own level", map[string]any{"users": users(map[string]any{"@dave:d.org": 50}), "state_default": 50}, true},
		{"promote newcomer above own level", map[string]any{"users": users(map[string]any{"@dave:d.org": 51}), "state_default": 50}, false},
		{"touch higher user", map[string]any{"users": users(map[string]any{alice: 40}), "state_default": 50}, false},
		{"raise ban above own level", map[string]any{"users": users(nil), "ban": 75, "state_default": 50}, false},
		{"lower kick", map[string]any{"users": users(nil), "kick": 20, "state_default": 50}, true},
		{"event override above own level", map[string]any{"users": users(nil), "events": map[string]any{"m.room.name": 70}, "state_default": 50}, false},
		{"string level in v10", map[string]any{"users": users(nil), "kick": "20", "state_default": 50}, false},
		{"invalid user id", map[string]any{"users": users(map[string]any{"not-a-user": 0}), "state_default": 50}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := base(t)
			room.State("pl_change", bob, pdu.TypePowerLevels, "", tt.content, []string{"bob_join"}, testutil.StandardAuth("bob_join"))
			err := Check(room.Event("pl_change"), stateOf(t, room, "create", "power_levels", "bob_join"))
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				requireRejected(t, err, RulePowerLevelChange)
			}
		})
	}
}

func TestAuthTypes(t *testing.T) {
	room := testutil.StandardRoom(t, pdu.RoomV10, alice, nil)
	room.Message("msg", alice, "hi", []string{"join_rules"}, testutil.StandardAuth("creator_join"))
	room.Add("restricted_join", testutil.EventSpec{
		Sender:   carol,
		Type:     pdu.TypeMember,
		StateKey: pdu.StateKeyPtr(carol),
		Content:  map[string]any{"membership": "join", "join_authorised_via_users_server": alice},
		Prev:     []string{"join_rules"},
		Auth:     []string{"create"},
	})
	room.Member("kick", alice, bob, pdu.MembershipLeave, []string{"join_rules"}, []string{"create"})

	assert.Empty(t, AuthTypesFor(room.Event("create")))
	assert.Equal(t, []pdu.StateKey{pdu.CreateKey, pdu.MemberKey(alice), pdu.PowerLevelsKey}, AuthTypesFor(room.Event("msg")))
	assert.Equal(t, []pdu.StateKey{pdu.CreateKey, pdu.JoinRulesKey, pdu.MemberKey(alice), pdu.MemberKey(carol), pdu.PowerLevelsKey},
		AuthTypesFor(room.Event("restricted_join")))
	assert.Equal(t, []pdu.StateKey{pdu.CreateKey, pdu.MemberKey(alice), pdu.MemberKey(bob), pdu.PowerLevelsKey}, AuthTypesFor(room.Event("kick")))
}

func TestSelectAuthEvents(t *testing.T) {
	room := testutil.StandardRoom(t, pdu.RoomV10, alice, nil)
	state := pdu.StateMap{}
	for _, ev := range room.Events() {
		state = state.With(ev)
	}

	keys := AuthTypes(pdu.TypeMessage, nil, alice, nil, pdu.MustLookupRoomVersion(pdu.RoomV10))
	got := SelectAuthEvents(keys, state)
	want := room.IDs("create", "creator_join", "power_levels")
	pdu.SortEventIDs(want)
	assert.Equal(t, want, got)
}
