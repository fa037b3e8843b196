package stateres

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/testutil"
)

// =============================================================================
// Helpers
// =============================================================================

const (
	alice   = "@alice:a.org"
	bob     = "@bob:b.org"
	mallory = "@mallory:evil.org"
)

// memSource serves events from memory and counts lookups.
type memSource struct {
	events map[pdu.EventID]*pdu.Event
	calls  int
}

func sourceOf(room *testutil.RoomBuilder, skip ...string) *memSource {
	s := &memSource{events: make(map[pdu.EventID]*pdu.Event)}
	for _, ev := range room.Events() {
		s.events[ev.EventID] = ev
	}
	for _, l := range skip {
		delete(s.events, room.ID(l))
	}
	return s
}

func (s *memSource) GetEvents(_ context.Context, ids []pdu.EventID) (map[pdu.EventID]*pdu.Event, error) {
	s.calls++
	out := make(map[pdu.EventID]*pdu.Event, len(ids))
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			out[id] = ev
		}
	}
	return out, nil
}

type failingSource struct{}

func (failingSource) GetEvents(context.Context, []pdu.EventID) (map[pdu.EventID]*pdu.Event, error) {
	return nil, errors.New("source should not be consulted")
}

// stateOf folds the labelled events into a state map in order.
func stateOf(room *testutil.RoomBuilder, labels ...string) pdu.StateMap {
	state := pdu.StateMap{}
	for _, l := range labels {
		state = state.With(room.Event(l))
	}
	return state
}

var topicKey = pdu.StateKey{Type: "m.room.topic", StateKey: ""}

// baseRoom is a standard room created by alice with bob joined at
// power 50.
func baseRoom(t *testing.T) *testutil.RoomBuilder {
	room := testutil.StandardRoom(t, pdu.RoomV10, alice, map[string]int64{bob: 50})
	room.Member("bob_join", bob, bob, pdu.MembershipJoin,
		[]string{"join_rules"}, []string{"create", "power_levels", "join_rules"})
	return room
}

var baseLabels = []string{"create", "creator_join", "power_levels", "join_rules", "bob_join"}

func withBase(labels ...string) []string {
	return append(append([]string(nil), baseLabels...), labels...)
}

// =============================================================================
// Partition
// =============================================================================

func TestPartition(t *testing.T) {
	room := baseRoom(t)
	room.State("topic_a", alice, "m.room.topic", "", map[string]any{"topic": "a"},
		[]string{"bob_join"}, testutil.StandardAuth("creator_join"))
	room.State("topic_b", bob, "m.room.topic", "", map[string]any{"topic": "b"},
		[]string{"bob_join"}, testutil.StandardAuth("bob_join"))

	a := stateOf(room, withBase("topic_a")...)
	b := stateOf(room, withBase("topic_b")...)
	only := stateOf(room, "create")

	unconflicted, conflicted := Partition([]pdu.StateMap{a, b, only})

	assert.Len(t, unconflicted, len(baseLabels))
	assert.Equal(t, room.ID("bob_join"), unconflicted[pdu.MemberKey(bob)])
	require.Len(t, conflicted, 1)

	want := room.IDs("topic_a", "topic_b")
	pdu.SortEventIDs(want)
	assert.Equal(t, want, conflicted[topicKey])
}

func TestPartitionKeyInOneSetIsUnconflicted(t *testing.T) {
	room := baseRoom(t)
	a := stateOf(room, "create", "creator_join")
	b := stateOf(room, "create")

	unconflicted, conflicted := Partition([]pdu.StateMap{a, b})
	assert.Empty(t, conflicted)
	assert.Equal(t, room.ID("creator_join"), unconflicted[pdu.MemberKey(alice)])
}

// =============================================================================
// Resolve
// =============================================================================

func TestResolveEmptyAndSingle(t *testing.T) {
	ctx := context.Background()
	room := baseRoom(t)

	got, err := Resolve(ctx, failingSource{}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	one := stateOf(room, baseLabels...)
	got, err = Resolve(ctx, failingSource{}, []pdu.StateMap{one})
	require.NoError(t, err)
	assert.True(t, one.Equal(got))
}

func TestResolveCheapPathLoadsNothing(t *testing.T) {
	room := baseRoom(t)
	room.Message("msg_a", alice, "hi", []string{"bob_join"}, testutil.StandardAuth("creator_join"))
	room.Message("msg_b", bob, "yo", []string{"bob_join"}, testutil.StandardAuth("bob_join"))

	// Message events do not change state, so both branches agree.
	a := stateOf(room, withBase("msg_a")...)
	b := stateOf(room, withBase("msg_b")...)

	got, err := Resolve(context.Background(), failingSource{}, []pdu.StateMap{a, b})
	require.NoError(t, err)
	assert.True(t, got.Equal(stateOf(room, baseLabels...)))
}

func TestResolveHigherPowerWins(t *testing.T) {
	room := baseRoom(t)
	room.State("topic_a", alice, "m.room.topic", "", map[string]any{"topic": "alice"},
		[]string{"bob_join"}, testutil.StandardAuth("creator_join"))
	// Bob's topic is later, so a timestamp-only order would pick it.
	room.State("topic_b", bob, "m.room.topic", "", map[string]any{"topic": "bob"},
		[]string{"bob_join"}, testutil.StandardAuth("bob_join"))

	a := stateOf(room, withBase("topic_a")...)
	b := stateOf(room, withBase("topic_b")...)

	got, err := Resolve(context.Background(), sourceOf(room), []pdu.StateMap{a, b})
	require.NoError(t, err)
	assert.Equal(t, room.ID("topic_a"), got[topicKey])
	assert.Equal(t, room.ID("power_levels"), got[pdu.PowerLevelsKey])
	assert.Len(t, got, len(baseLabels)+1)
}

func TestResolveBanSurvivesConcurrentActivity(t *testing.T) {
	room := baseRoom(t)
	room.Member("ban_bob", alice, bob, pdu.MembershipBan,
		[]string{"bob_join"}, []string{"create", "power_levels", "creator_join", "bob_join"})
	room.State("topic_b", bob, "m.room.topic", "", map[string]any{"topic": "bob"},
		[]string{"bob_join"}, testutil.StandardAuth("bob_join"))

	a := stateOf(room, withBase("ban_bob")...)
	b := stateOf(room, withBase("topic_b")...)

	got, err := Resolve(context.Background(), sourceOf(room), []pdu.StateMap{a, b})
	require.NoError(t, err)
	assert.Equal(t, room.ID("ban_bob"), got[pdu.MemberKey(bob)])
}

func TestResolveDropsForgedPowerChain(t *testing.T) {
	room := baseRoom(t)
	room.State("topic", alice, "m.room.topic", "", map[string]any{"topic": "real"},
		[]string{"bob_join"}, testutil.StandardAuth("creator_join"))

	// Mallory never joined. Her power levels grant herself 100 and her
	// topic cites them, so her sender power ties with alice and her later
	// timestamp would win if the chain were trusted.
	room.State("evil_pl", mallory, pdu.TypePowerLevels, "", map[string]any{
		"users": map[string]any{mallory: 100},
	}, []string{"bob_join"}, []string{"create"})
	room.State("evil_topic", mallory, "m.room.topic", "", map[string]any{"topic": "pwned"},
		[]string{"evil_pl"}, []string{"create", "evil_pl"})

	a := stateOf(room, withBase("topic")...)
	b := stateOf(room, withBase("evil_topic")...)

	got, err := Resolve(context.Background(), sourceOf(room), []pdu.StateMap{a, b})
	require.NoError(t, err)
	assert.Equal(t, room.ID("topic"), got[topicKey])
	assert.Equal(t, room.ID("power_levels"), got[pdu.PowerLevelsKey])
}

func TestResolveIsOrderIndependent(t *testing.T) {
	room := baseRoom(t)
	room.State("topic_a", alice, "m.room.topic", "", map[string]any{"topic": "a"},
		[]string{"bob_join"}, testutil.StandardAuth("creator_join"))
	room.State("topic_b", bob, "m.room.topic", "", map[string]any{"topic": "b"},
		[]string{"bob_join"}, testutil.StandardAuth("bob_join"))
	room.Member("ban_bob", alice, bob, pdu.MembershipBan,
		[]string{"bob_join"}, []string{"create", "power_levels", "creator_join", "bob_join"})

	sets := []pdu.StateMap{
		stateOf(room, withBase("topic_a")...),
		stateOf(room, withBase("topic_b")...),
		stateOf(room, withBase("ban_bob")...),
	}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	var first pdu.StateMap
	for _, p := range perms {
		input := []pdu.StateMap{sets[p[0]], sets[p[1]], sets[p[2]]}
		got, err := Resolve(context.Background(), sourceOf(room), input)
		require.NoError(t, err)
		if first == nil {
			first = got
			continue
		}
		assert.True(t, first.Equal(got), "permutation %v resolved differently", p)
	}
	assert.Equal(t, room.ID("ban_bob"), first[pdu.MemberKey(bob)])
	assert.Equal(t, room.ID("topic_a"), first[topicKey])
}

func TestResolveReportsMissingEvents(t *testing.T) {
	room := baseRoom(t)
	room.State("topic_a", alice, "m.room.topic", "", map[string]any{"topic": "a"},
		[]string{"bob_join"}, testutil.StandardAuth("creator_join"))
	room.State("topic_b", bob, "m.room.topic", "", map[string]any{"topic": "b"},
		[]string{"bob_join"}, testutil.StandardAuth("bob_join"))

	a := stateOf(room, withBase("topic_a")...)
	b := stateOf(room, withBase("topic_b")...)

	_, err := Resolve(context.Background(), sourceOf(room, "topic_b", "power_levels"), []pdu.StateMap{a, b})
	require.Error(t, err)

	missing, ok := IsIncomplete(err)
	require.True(t, ok, "expected IncompleteError, got %v", err)
	want := room.IDs("topic_b", "power_levels")
	pdu.SortEventIDs(want)
	assert.Equal(t, want, missing)
}

func TestResolveMaxAuthChain(t *testing.T) {
	room := baseRoom(t)
	room.State("topic_a", alice, "m.room.topic", "", map[string]any{"topic": "a"},
		[]string{"bob_join"}, testutil.StandardAuth("creator_join"))
	room.State("topic_b", bob, "m.room.topic", "", map[string]any{"topic": "b"},
		[]string{"bob_join"}, testutil.StandardAuth("bob_join"))

	sets := []pdu.StateMap{
		stateOf(room, withBase("topic_a")...),
		stateOf(room, withBase("topic_b")...),
	}
	_, err := New(sourceOf(room), WithMaxAuthChain(2)).Resolve(context.Background(), sets)
	assert.ErrorIs(t, err, ErrChainTooLarge)
}

// =============================================================================
// Order and AuthChain
// =============================================================================

func TestOrderTopologicalThenPower(t *testing.T) {
	room := baseRoom(t)
	room.State("topic_a", alice, "m.room.topic", "", map[string]any{"topic": "a"},
		[]string{"bob_join"}, testutil.StandardAuth("creator_join"))
	room.State("topic_b", bob, "m.room.topic", "", map[string]any{"topic": "b"},
		[]string{"bob_join"}, testutil.StandardAuth("bob_join"))

	src := sourceOf(room)
	lookup := func(id pdu.EventID) *pdu.Event { return src.events[id] }

	events := []*pdu.Event{room.Event("topic_a"), room.Event("power_levels"), room.Event("topic_b")}
	ordered, err := Order(events, lookup)
	require.NoError(t, err)

	labels := make([]string, len(ordered))
	for i, ev := range ordered {
		labels[i] = room.Label(ev.EventID)
	}
	assert.Equal(t, []string{"power_levels", "topic_b", "topic_a"}, labels)
}

func TestOrderTimestampThenID(t *testing.T) {
	room := baseRoom(t)
	room.Add("late", testutil.EventSpec{
		Sender: alice, Type: "m.room.topic", StateKey: pdu.StateKeyPtr(""),
		Content: map[string]any{"topic": "late"},
		Prev:    []string{"bob_join"}, Auth: testutil.StandardAuth("creator_join"),
		TS:      2_000_000_000_000,
	})
	room.Add("early", testutil.EventSpec{
		Sender: alice, Type: "m.room.name", StateKey: pdu.StateKeyPtr(""),
		Content: map[string]any{"name": "early"},
		Prev:    []string{"bob_join"}, Auth: testutil.StandardAuth("creator_join"),
		TS:      1_000,
	})

	src := sourceOf(room)
	ordered, err := Order([]*pdu.Event{room.Event("late"), room.Event("early")}, func(id pdu.EventID) *pdu.Event {
		return src.events[id]
	})
	require.NoError(t, err)
	assert.Equal(t, room.ID("early"), ordered[0].EventID)
	assert.Equal(t, room.ID("late"), ordered[1].EventID)
}

func TestAuthChain(t *testing.T) {
	room := baseRoom(t)
	room.State("topic_b", bob, "m.room.topic", "", map[string]any{"topic": "b"},
		[]string{"bob_join"}, testutil.StandardAuth("bob_join"))

	chain, err := AuthChain(context.Background(), sourceOf(room), room.IDs("topic_b"))
	require.NoError(t, err)

	want := room.IDs("create", "creator_join", "power_levels", "join_rules", "bob_join")
	pdu.SortEventIDs(want)
	assert.Equal(t, want, chain)
}

func TestAuthChainIncomplete(t *testing.T) {
	room := baseRoom(t)
	_, err := AuthChain(context.Background(), sourceOf(room, "join_rules"), room.IDs("bob_join"))
	missing, ok := IsIncomplete(err)
	require.True(t, ok)
	assert.Equal(t, room.IDs("join_rules"), missing)
}
