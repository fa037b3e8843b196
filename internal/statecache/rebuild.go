package statecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/store"
)

// RebuildStore is the store surface Rebuild needs.
type RebuildStore interface {
	Store
	RoomEvents(ctx context.Context, room pdu.RoomID) ([]store.StoredEvent, error)
	ForwardExtremities(ctx context.Context, room pdu.RoomID) ([]pdu.EventID, error)
	ReplaceRoomState(ctx context.Context, room pdu.RoomID, stateAfter map[pdu.EventID]pdu.StateMap, extremities []pdu.EventID, current pdu.StateMap) error
}

// RebuildReport describes the drift between stored and recomputed state.
type RebuildReport struct {
	RoomID pdu.RoomID
	Events int
	// StateMismatches lists events whose stored state after differs from
	// the recomputed one.
	StateMismatches      []pdu.EventID
	ExtremitiesMismatch  bool
	CurrentStateMismatch bool
	Extremities          []pdu.EventID
	Current              pdu.StateMap
	Repaired             bool
}

// Clean reports whether the stored records matched.
func (r *RebuildReport) Clean() bool {
	return len(r.StateMismatches) == 0 && !r.ExtremitiesMismatch && !r.CurrentStateMismatch
}

// Rebuild replays every stored event of room in stream order, recomputing
// the state after each event, the forward extremities and the current
// state from the graph alone. Rejection flags are taken from the store.
// With repair set, drifted records are overwritten and the cached view of
// the room is dropped.
func (c *Cache) Rebuild(ctx context.Context, st RebuildStore, room pdu.RoomID, repair bool) (*RebuildReport, error) {
	events, err := st.RoomEvents(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", room, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("rebuild %s: %w", room, store.ErrNotFound)
	}

	report := &RebuildReport{RoomID: room, Events: len(events)}
	after := make(map[pdu.EventID]pdu.StateMap, len(events))
	drifted := make(map[pdu.EventID]pdu.StateMap)

	for _, se := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := se.Event
		sets := make([]pdu.StateMap, 0, len(ev.PrevEvents))
		for _, p := range ev.PrevEvents {
			s, ok := after[p]
			if !ok {
				return nil, fmt.Errorf("rebuild %s: event %s precedes its parent %s", room, ev.EventID, p)
			}
			sets = append(sets, s)
		}
		before, err := merge(ctx, c.resolver, sets)
		if err != nil {
			return nil, fmt.Errorf("rebuild %s: state before %s: %w", room, ev.EventID, err)
		}
		state := Apply(before, ev, se.Rejected)
		after[ev.EventID] = state

		stored, err := st.StateAfterEvent(ctx, ev.EventID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			stored = nil
		case err != nil:
			return nil, fmt.Errorf("rebuild %s: %w", room, err)
		}
		if stored == nil || !stored.Equal(state) {
			report.StateMismatches = append(report.StateMismatches, ev.EventID)
			drifted[ev.EventID] = state
		}
	}

	report.Extremities = extremitiesOf(events)
	stored, err := st.ForwardExtremities(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", room, err)
	}
	report.ExtremitiesMismatch = !sameIDs(stored, report.Extremities)

	sets := make([]pdu.StateMap, len(report.Extremities))
	for i, id := range report.Extremities {
		sets[i] = after[id]
	}
	current, err := merge(ctx, c.resolver, sets)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: current state: %w", room, err)
	}
	report.Current = current

	storedCurrent, err := st.CurrentState(ctx, room)
	switch {
	case errors.Is(err, store.ErrNotFound):
		report.CurrentStateMismatch = true
	case err != nil:
		return nil, fmt.Errorf("rebuild %s: %w", room, err)
	default:
		report.CurrentStateMismatch = !storedCurrent.Equal(current)
	}

	c.logger.Info("rebuilt room state",
		"room_id", room.String(),
		"events", report.Events,
		"state_mismatches", len(report.StateMismatches),
		"extremities_mismatch", report.ExtremitiesMismatch,
		"current_mismatch", report.CurrentStateMismatch,
	)

	if repair && !report.Clean() {
		if err := st.ReplaceRoomState(ctx, room, drifted, report.Extremities, current); err != nil {
			return nil, fmt.Errorf("rebuild %s: repair: %w", room, err)
		}
		c.Invalidate(room)
		report.Repaired = true
	}
	return report, nil
}

// extremitiesOf returns the accepted events that have no accepted
// descendant. events must be in topological order.
func extremitiesOf(events []store.StoredEvent) []pdu.EventID {
	covered := make(map[pdu.EventID]bool, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		se := events[i]
		if !se.Rejected || covered[se.Event.EventID] {
			for _, p := range se.Event.PrevEvents {
				covered[p] = true
			}
		}
	}
	var out []pdu.EventID
	for _, se := range events {
		if !se.Rejected && !covered[se.Event.EventID] {
			out = append(out, se.Event.EventID)
		}
	}
	pdu.SortEventIDs(out)
	return out
}

func sameIDs(a, b []pdu.EventID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[pdu.EventID]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
