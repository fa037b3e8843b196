package stateres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/roomgraph/internal/auth"
	"github.com/roach88/roomgraph/internal/pdu"
)

// authRelevantTypes are the state types auth.Check can consult.
var authRelevantTypes = map[string]bool{
	pdu.TypeCreate:           true,
	pdu.TypePowerLevels:      true,
	pdu.TypeJoinRules:        true,
	pdu.TypeMember:           true,
	pdu.TypeThirdPartyInvite: true,
}

// Resolver resolves conflicting state sets against an event source.
type Resolver struct {
	source   EventSource
	maxChain int
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxAuthChain bounds the auth chain size of any single input set.
// Zero means unbounded.
func WithMaxAuthChain(n int) Option {
	return func(r *Resolver) { r.maxChain = n }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New returns a Resolver reading events from source.
func New(source EventSource, opts ...Option) *Resolver {
	r := &Resolver{source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// With returns a resolver that also sees events, which need not be
// stored yet.
func (r *Resolver) With(events ...*pdu.Event) *Resolver {
	if len(events) == 0 {
		return r
	}
	o := overlay{events: make(map[pdu.EventID]*pdu.Event, len(events)), next: r.source}
	for _, ev := range events {
		o.events[ev.EventID] = ev
	}
	cp := *r
	cp.source = o
	return &cp
}

// Resolve is a convenience for New(source).Resolve(ctx, sets).
func Resolve(ctx context.Context, source EventSource, sets []pdu.StateMap) (pdu.StateMap, error) {
	return New(source).Resolve(ctx, sets)
}

// Resolve computes the single state for sets. The result is the same for
// every permutation of sets. A single set, or sets that never disagree,
// resolve without loading any event.
func (r *Resolver) Resolve(ctx context.Context, sets []pdu.StateMap) (pdu.StateMap, error) {
	switch len(sets) {
	case 0:
		return pdu.StateMap{}, nil
	case 1:
		return sets[0].Clone(), nil
	}

	unconflicted, conflicted := Partition(sets)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	start := time.Now()
	a := newArena(r.source)

	chains := make([]map[pdu.EventID]bool, len(sets))
	for i, set := range sets {
		chain, err := a.authChain(ctx, set.EventIDs(), r.maxChain)
		if err != nil {
			return nil, err
		}
		chains[i] = chain
	}

	replay := make(map[pdu.EventID]bool)
	for _, ids := range conflicted {
		for _, id := range ids {
			replay[id] = true
		}
	}
	for id := range authDifference(chains) {
		replay[id] = true
	}

	replayIDs := make([]pdu.EventID, 0, len(replay))
	for id := range replay {
		replayIDs = append(replayIDs, id)
	}
	pdu.SortEventIDs(replayIDs)
	if err := a.load(ctx, replayIDs); err != nil {
		return nil, err
	}

	var preload []pdu.EventID
	for k, id := range unconflicted {
		if authRelevantTypes[k.Type] {
			preload = append(preload, id)
		}
	}
	pdu.SortEventIDs(preload)
	if err := a.load(ctx, preload); err != nil {
		return nil, err
	}
	if missing := a.missingIDs(); len(missing) > 0 {
		return nil, &IncompleteError{Missing: missing}
	}

	events := make([]*pdu.Event, 0, len(replayIDs))
	for _, id := range replayIDs {
		events = append(events, a.get(id))
	}
	ordered, err := Order(events, a.get)
	if err != nil {
		return nil, err
	}

	accumulated := unconflicted.Clone()
	dropped := 0
	for _, ev := range ordered {
		key, ok := ev.Key()
		if !ok {
			return nil, fmt.Errorf("event %s in state set is not a state event", ev.EventID)
		}
		state, err := replayAuthState(ev, accumulated, a.get)
		if err == nil {
			err = auth.Check(ev, state)
		}
		if err != nil {
			dropped++
			r.logger.Debug("dropped event during state resolution",
				"event_id", ev.EventID.String(),
				"key", key.String(),
				"error", err,
			)
			continue
		}
		accumulated[key] = ev.EventID
	}

	inputKeys := make(map[pdu.StateKey]bool)
	for _, set := range sets {
		for k := range set {
			inputKeys[k] = true
		}
	}
	resolved := make(pdu.StateMap, len(inputKeys))
	for k, id := range accumulated {
		if inputKeys[k] {
			resolved[k] = id
		}
	}
	for k, id := range unconflicted {
		resolved[k] = id
	}

	r.logger.Debug("resolved state",
		"sets", len(sets),
		"conflicted_keys", len(conflicted),
		"replayed", len(ordered),
		"dropped", dropped,
		"duration", time.Since(start),
	)
	return resolved, nil
}

// authDifference returns the events present in some but not all chains.
func authDifference(chains []map[pdu.EventID]bool) map[pdu.EventID]bool {
	count := make(map[pdu.EventID]int)
	for _, chain := range chains {
		for id := range chain {
			count[id]++
		}
	}
	diff := make(map[pdu.EventID]bool)
	for id, n := range count {
		if n < len(chains) {
			diff[id] = true
		}
	}
	return diff
}

// replayAuthState assembles the state an event is checked against during
// replay: for each key the event must cite, the accumulated event when
// there is one, otherwise the event's own declared auth event.
func replayAuthState(ev *pdu.Event, accumulated pdu.StateMap, lookup func(pdu.EventID) *pdu.Event) (*auth.AuthState, error) {
	declared := make(map[pdu.StateKey]*pdu.Event, len(ev.AuthEvents))
	for _, id := range ev.AuthEvents {
		if a := lookup(id); a != nil {
			if k, ok := a.Key(); ok {
				declared[k] = a
			}
		}
	}

	var events []*pdu.Event
	for _, k := range auth.AuthTypesFor(ev) {
		if id, ok := accumulated[k]; ok {
			if a := lookup(id); a != nil {
				events = append(events, a)
				continue
			}
		}
		if a, ok := declared[k]; ok {
			events = append(events, a)
		}
	}
	return auth.NewAuthState(events)
}
