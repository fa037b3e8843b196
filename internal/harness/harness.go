package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/roomgraph/internal/federation"
	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/statecache"
	"github.com/roach88/roomgraph/internal/stateres"
	"github.com/roach88/roomgraph/internal/store"
	"github.com/roach88/roomgraph/internal/testutil"
)

// room is a scenario's events, built and signed.
type room struct {
	id      pdu.RoomID
	events  []*pdu.Event
	byLabel map[string]*pdu.Event
	labels  map[pdu.EventID]string
	servers []string
}

func (r *room) label(id pdu.EventID) string {
	if l, ok := r.labels[id]; ok {
		return l
	}
	return id.String()
}

func (r *room) labelsOf(ids []pdu.EventID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = r.label(id)
	}
	sort.Strings(out)
	return out
}

// buildRoom hashes and signs every event with its sender's test key.
func buildRoom(s *Scenario) (*room, error) {
	version := pdu.RoomVersion(s.Version)
	if version == "" {
		version = pdu.DefaultRoomVersion
	}
	roomID := s.RoomID
	if roomID == "" {
		first := pdu.MustParseUserID(s.Events[0].Sender)
		roomID = "!scenario:" + first.Server().String()
	}
	id, err := pdu.ParseRoomID(roomID)
	if err != nil {
		return nil, err
	}

	r := &room{
		id:      id,
		byLabel: make(map[string]*pdu.Event, len(s.Events)),
		labels:  make(map[pdu.EventID]string, len(s.Events)),
	}
	servers := make(map[string]bool)
	for i, step := range s.Events {
		sender := pdu.MustParseUserID(step.Sender)
		servers[sender.Server().String()] = true

		var depth int64
		refs := func(labels []string) []pdu.EventID {
			ids := make([]pdu.EventID, len(labels))
			for j, l := range labels {
				ids[j] = r.byLabel[l].EventID
			}
			return ids
		}
		for _, p := range step.Prev {
			depth = max(depth, r.byLabel[p].Depth)
		}
		ts := step.TS
		if ts == 0 {
			ts = int64(i+1) * 1000
		}

		ev, err := pdu.Builder{
			RoomID:         id,
			Sender:         sender,
			Type:           step.Type,
			StateKey:       step.StateKey,
			Content:        step.Content,
			PrevEvents:     refs(step.Prev),
			AuthEvents:     refs(step.Auth),
			Depth:          depth + 1,
			OriginServerTS: ts,
		}.Build(testutil.ServerKey(sender.Server().String()), version)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", step.Label, err)
		}
		r.events = append(r.events, ev)
		r.byLabel[step.Label] = ev
		r.labels[ev.EventID] = step.Label
	}
	for s := range servers {
		r.servers = append(r.servers, s)
	}
	sort.Strings(r.servers)
	return r, nil
}

// roomView is the room as one delivery order left it.
type roomView struct {
	state       pdu.StateMap
	extremities []string
	accepted    []string
	rejected    []string
	stages      map[string]federation.Stage
}

func (v *roomView) diff(o *roomView, r *room) string {
	var out []string
	if !v.state.Equal(o.state) {
		for _, e := range pdu.DiffStates(v.state, o.state).Changed {
			out = append(out, fmt.Sprintf("%s|%s is %s, want %s", e.Type, e.StateKey, r.label(e.EventID), r.label(v.state[pdu.StateKey{Type: e.Type, StateKey: e.StateKey}])))
		}
		if len(out) == 0 {
			out = append(out, "state key sets differ")
		}
	}
	if !equalStrings(v.extremities, o.extremities) {
		out = append(out, fmt.Sprintf("extremities %v, want %v", o.extremities, v.extremities))
	}
	if !equalStrings(v.rejected, o.rejected) {
		out = append(out, fmt.Sprintf("rejected %v, want %v", o.rejected, v.rejected))
	}
	if !equalStrings(v.accepted, o.accepted) {
		out = append(out, fmt.Sprintf("accepted %v, want %v", o.accepted, v.accepted))
	}
	return strings.Join(out, "; ")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// harnessLimits keep every scenario reachable by fetching.
func harnessLimits() federation.Limits {
	return federation.Limits{
		MaxDepth:       256,
		MaxEvents:      4096,
		MaxOutstanding: 8,
		MaxAttempts:    3,
		FetchTimeout:   5 * time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		ServerBackoff:  time.Millisecond,
		PendingTTL:     time.Hour,
	}
}

// Run replays the scenario in every checked delivery order and evaluates
// its assertions against the listed order.
//
// Each order runs in a fresh in-memory database with a fake clock and
// deterministic IDs. Every server serves the whole history, so events
// left out of the delivery list arrive through ancestor fetching.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	r, err := buildRoom(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to build events: %w", err)
	}

	deliver := scenario.Deliver
	if len(deliver) == 0 {
		for _, step := range scenario.Events {
			deliver = append(deliver, step.Label)
		}
	}
	limit := scenario.Permutations
	if limit == 0 {
		limit = DefaultPermutations
	}
	orders := permutations(deliver, limit)

	result := NewResult()
	result.Orders = len(orders)

	var first *roomView
	for _, order := range orders {
		view, err := replay(ctx, r, order)
		if err != nil {
			return nil, fmt.Errorf("order %v: %w", order, err)
		}
		if first == nil {
			first = view
			continue
		}
		if d := first.diff(view, r); d != "" {
			result.AddError(fmt.Sprintf("order %v diverges: %s", order, d))
		}
	}

	for k, id := range first.state {
		result.State[k.String()] = r.label(id)
	}
	result.Extremities = first.extremities
	result.Accepted = first.accepted
	result.Rejected = first.rejected
	for label, stage := range first.stages {
		result.Stages[label] = string(stage)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// replay delivers order to a fresh pipeline and reads back the room.
func replay(ctx context.Context, r *room, order []string) (*roomView, error) {
	st, err := store.Open(store.MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := statecache.New(st, stateres.New(st, stateres.WithLogger(logger)), statecache.WithLogger(logger))

	network := testutil.NewMemoryNetwork()
	peers := make([]pdu.ServerName, len(r.servers))
	for i, s := range r.servers {
		network.Serve(s, r.events...)
		peers[i] = pdu.MustParseServerName(s)
	}

	pipeline, err := federation.NewPipeline(federation.Config{
		ServerName: peers[0],
		SigningKey: testutil.ServerKey(r.servers[0]),
		Store:      st,
		Cache:      cache,
		KeyRing:    testutil.KeyRing(r.servers...),
		Network:    network,
		Peers:      peers,
		Limits:     harnessLimits(),
		Clock:      testutil.NewFakeClock(time.Unix(0, 0)),
		IDs:        testutil.NewSequentialIDGenerator("harness"),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	view := &roomView{stages: make(map[string]federation.Stage, len(order))}
	for _, label := range order {
		ev := r.byLabel[label]
		out, err := pipeline.Process(ctx, ev.Sender.Server(), ev.JSON())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if federation.IsStoreFailure(err) {
			return nil, err
		}
		view.stages[label] = out.Stage
	}

	view.state, err = cache.Current(ctx, r.id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		view.state = pdu.StateMap{}
	case err != nil:
		return nil, err
	}

	extremities, err := st.ForwardExtremities(ctx, r.id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	view.extremities = r.labelsOf(extremities)

	events, err := st.RoomEvents(ctx, r.id)
	if err != nil {
		return nil, err
	}
	view.accepted, view.rejected = []string{}, []string{}
	for _, se := range events {
		if se.Rejected {
			view.rejected = append(view.rejected, r.label(se.Event.EventID))
		} else {
			view.accepted = append(view.accepted, r.label(se.Event.EventID))
		}
	}
	sort.Strings(view.accepted)
	sort.Strings(view.rejected)
	return view, nil
}
