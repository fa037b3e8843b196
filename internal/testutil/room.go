package testutil

import (
	"testing"

	"github.com/roach88/roomgraph/internal/pdu"
)

// EventSpec describes one fixture event. Prev and Auth name earlier
// events by label.
type EventSpec struct {
	Sender   string
	Type     string
	StateKey *string
	Content  map[string]any
	Prev     []string
	Auth     []string
	// Depth defaults to one more than the deepest prev event.
	Depth int64
	// TS defaults to the next value of the builder's timestamp sequence.
	TS int64
}

// RoomBuilder builds signed fixture events for one room and lets tests
// refer to them by label instead of by hash.
type RoomBuilder struct {
	tb      testing.TB
	Version pdu.RoomVersion
	RoomID  pdu.RoomID

	ts     *Timestamps
	events map[string]*pdu.Event
	labels map[pdu.EventID]string
	order  []string
}

// NewRoomBuilder starts an empty room.
func NewRoomBuilder(tb testing.TB, roomID string, version pdu.RoomVersion) *RoomBuilder {
	tb.Helper()
	return &RoomBuilder{
		tb:      tb,
		Version: version,
		RoomID:  pdu.MustParseRoomID(roomID),
		ts:      NewTimestamps(1_700_000_000_000),
		events:  make(map[string]*pdu.Event),
		labels:  make(map[pdu.EventID]string),
	}
}

// Add builds, signs and records an event under label.
func (r *RoomBuilder) Add(label string, spec EventSpec) *pdu.Event {
	r.tb.Helper()
	if _, dup := r.events[label]; dup {
		r.tb.Fatalf("duplicate fixture label %q", label)
	}

	depth := spec.Depth
	if depth == 0 {
		for _, p := range spec.Prev {
			if d := r.Event(p).Depth + 1; d > depth {
				depth = d
			}
		}
	}
	ts := spec.TS
	if ts == 0 {
		ts = r.ts.Next()
	}
	var content any = spec.Content
	if spec.Content == nil {
		content = map[string]any{}
	}

	ev, err := pdu.Builder{
		RoomID:         r.RoomID,
		Sender:         pdu.MustParseUserID(spec.Sender),
		Type:           spec.Type,
		StateKey:       spec.StateKey,
		Content:        content,
		PrevEvents:     r.IDs(spec.Prev...),
		AuthEvents:     r.IDs(spec.Auth...),
		Depth:          depth,
		OriginServerTS: ts,
	}.Build(UserKey(spec.Sender), r.Version)
	if err != nil {
		r.tb.Fatalf("build fixture %q: %v", label, err)
	}

	r.events[label] = ev
	r.labels[ev.EventID] = label
	r.order = append(r.order, label)
	return ev
}

// Event returns the event recorded under label.
func (r *RoomBuilder) Event(label string) *pdu.Event {
	r.tb.Helper()
	ev, ok := r.events[label]
	if !ok {
		r.tb.Fatalf("unknown fixture label %q", label)
	}
	return ev
}

// ID returns the event ID recorded under label.
func (r *RoomBuilder) ID(label string) pdu.EventID {
	r.tb.Helper()
	return r.Event(label).EventID
}

// IDs maps labels to event IDs.
func (r *RoomBuilder) IDs(labels ...string) []pdu.EventID {
	r.tb.Helper()
	ids := make([]pdu.EventID, len(labels))
	for i, l := range labels {
		ids[i] = r.ID(l)
	}
	return ids
}

// Label returns the label of an event ID, or the ID itself when unknown.
func (r *RoomBuilder) Label(id pdu.EventID) string {
	if l, ok := r.labels[id]; ok {
		return l
	}
	return id.String()
}

// Labels returns every label in the order events were added, which is a
// valid topological order.
func (r *RoomBuilder) Labels() []string {
	return append([]string(nil), r.order...)
}

// Events returns every event in the order they were added.
func (r *RoomBuilder) Events() []*pdu.Event {
	out := make([]*pdu.Event, len(r.order))
	for i, l := range r.order {
		out[i] = r.events[l]
	}
	return out
}

// Create adds the create event under the label "create".
func (r *RoomBuilder) Create(creator string) *pdu.Event {
	r.tb.Helper()
	content := map[string]any{"room_version": string(r.Version)}
	if !pdu.MustLookupRoomVersion(r.Version).CreatorFromSender {
		content["creator"] = creator
	}
	return r.Add("create", EventSpec{
		Sender:   creator,
		Type:     pdu.TypeCreate,
		StateKey: pdu.StateKeyPtr(""),
		Content:  content,
	})
}

// Member adds a membership event for user sent by sender.
func (r *RoomBuilder) Member(label, sender, user, membership string, prev, auth []string) *pdu.Event {
	r.tb.Helper()
	return r.Add(label, EventSpec{
		Sender:   sender,
		Type:     pdu.TypeMember,
		StateKey: pdu.StateKeyPtr(user),
		Content:  map[string]any{"membership": membership},
		Prev:     prev,
		Auth:     auth,
	})
}

// State adds a state event.
func (r *RoomBuilder) State(label, sender, evType, stateKey string, content map[string]any, prev, auth []string) *pdu.Event {
	r.tb.Helper()
	return r.Add(label, EventSpec{
		Sender:   sender,
		Type:     evType,
		StateKey: pdu.StateKeyPtr(stateKey),
		Content:  content,
		Prev:     prev,
		Auth:     auth,
	})
}

// Message adds an m.room.message event.
func (r *RoomBuilder) Message(label, sender, body string, prev, auth []string) *pdu.Event {
	r.tb.Helper()
	return r.Add(label, EventSpec{
		Sender:  sender,
		Type:    pdu.TypeMessage,
		Content: map[string]any{"msgtype": "m.text", "body": body},
		Prev:    prev,
		Auth:    auth,
	})
}

// StandardRoom builds the usual opening of a room created by creator:
//
//	create -> creator_join -> power_levels -> join_rules (public)
//
// users grants extra power levels on top of the creator's 100.
func StandardRoom(tb testing.TB, version pdu.RoomVersion, creator string, users map[string]int64) *RoomBuilder {
	tb.Helper()
	server := pdu.MustParseUserID(creator).Server().String()
	r := NewRoomBuilder(tb, "!room:"+server, version)

	r.Create(creator)
	r.Member("creator_join", creator, creator, pdu.MembershipJoin, []string{"create"}, []string{"create"})

	levels := map[string]any{creator: 100}
	for u, l := range users {
		levels[u] = l
	}
	r.State("power_levels", creator, pdu.TypePowerLevels, "", map[string]any{
		"users":          levels,
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
	}, []string{"creator_join"}, []string{"create", "creator_join"})

	r.State("join_rules", creator, pdu.TypeJoinRules, "", map[string]any{
		"join_rule": pdu.JoinRulePublic,
	}, []string{"power_levels"}, []string{"create", "creator_join", "power_levels"})

	return r
}

// StandardAuth is the auth_events label list for an event sent by a
// joined user of a StandardRoom whose membership label is memberLabel.
func StandardAuth(memberLabel string) []string {
	return []string{"create", "power_levels", memberLabel}
}
