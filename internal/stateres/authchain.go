package stateres

import (
	"context"
	"fmt"

	"github.com/roach88/roomgraph/internal/pdu"
)

// EventSource loads events by ID. Absent events are left out of the
// result rather than reported as an error.
type EventSource interface {
	GetEvents(ctx context.Context, ids []pdu.EventID) (map[pdu.EventID]*pdu.Event, error)
}

// arena caches every event loaded during one resolution so each is
// fetched from the source at most once.
type arena struct {
	source  EventSource
	events  map[pdu.EventID]*pdu.Event
	missing map[pdu.EventID]bool
}

func newArena(source EventSource) *arena {
	return &arena{
		source:  source,
		events:  make(map[pdu.EventID]*pdu.Event),
		missing: make(map[pdu.EventID]bool),
	}
}

// load fetches the ids not already cached. Unknown ids are recorded as
// missing.
func (a *arena) load(ctx context.Context, ids []pdu.EventID) error {
	var need []pdu.EventID
	for _, id := range ids {
		if _, ok := a.events[id]; !ok && !a.missing[id] {
			need = append(need, id)
		}
	}
	if len(need) == 0 {
		return nil
	}
	got, err := a.source.GetEvents(ctx, need)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	for _, id := range need {
		if ev, ok := got[id]; ok {
			a.events[id] = ev
		} else {
			a.missing[id] = true
		}
	}
	return nil
}

func (a *arena) get(id pdu.EventID) *pdu.Event {
	return a.events[id]
}

func (a *arena) missingIDs() []pdu.EventID {
	ids := make([]pdu.EventID, 0, len(a.missing))
	for id := range a.missing {
		ids = append(ids, id)
	}
	pdu.SortEventIDs(ids)
	return ids
}

// authChain walks auth_events from start breadth first, one batch load per
// level. The result excludes start itself unless reachable from another
// start event. The walk keeps a visited set, so a hostile auth cycle
// terminates; limit bounds the chain size (0 means unbounded).
func (a *arena) authChain(ctx context.Context, start []pdu.EventID, limit int) (map[pdu.EventID]bool, error) {
	chain := make(map[pdu.EventID]bool)
	visited := make(map[pdu.EventID]bool, len(start))
	frontier := make([]pdu.EventID, 0, len(start))
	for _, id := range start {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := a.load(ctx, frontier); err != nil {
			return nil, err
		}
		var next []pdu.EventID
		for _, id := range frontier {
			ev := a.get(id)
			if ev == nil {
				continue
			}
			for _, auth := range ev.AuthEvents {
				if chain[auth] {
					continue
				}
				chain[auth] = true
				if limit > 0 && len(chain) > limit {
					return nil, fmt.Errorf("%w: more than %d events", ErrChainTooLarge, limit)
				}
				if !visited[auth] {
					visited[auth] = true
					next = append(next, auth)
				}
			}
		}
		frontier = next
	}
	return chain, nil
}

// AuthChain returns the full auth chain of ids: every event reachable over
// auth_events, excluding ids themselves unless one cites another. Events
// that cannot be loaded produce *IncompleteError.
func AuthChain(ctx context.Context, source EventSource, ids []pdu.EventID) ([]pdu.EventID, error) {
	a := newArena(source)
	chain, err := a.authChain(ctx, ids, 0)
	if err != nil {
		return nil, err
	}
	if missing := a.missingIDs(); len(missing) > 0 {
		return nil, &IncompleteError{Missing: missing}
	}
	out := make([]pdu.EventID, 0, len(chain))
	for id := range chain {
		out = append(out, id)
	}
	pdu.SortEventIDs(out)
	return out, nil
}

// overlay serves a fixed set of events ahead of another source.
type overlay struct {
	events map[pdu.EventID]*pdu.Event
	next   EventSource
}

func (o overlay) GetEvents(ctx context.Context, ids []pdu.EventID) (map[pdu.EventID]*pdu.Event, error) {
	out := make(map[pdu.EventID]*pdu.Event, len(ids))
	var rest []pdu.EventID
	for _, id := range ids {
		if ev, ok := o.events[id]; ok {
			out[id] = ev
		} else {
			rest = append(rest, id)
		}
	}
	if len(rest) == 0 {
		return out, nil
	}
	got, err := o.next.GetEvents(ctx, rest)
	if err != nil {
		return nil, err
	}
	for id, ev := range got {
		out[id] = ev
	}
	return out, nil
}
