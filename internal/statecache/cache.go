package statecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/stateres"
	"github.com/roach88/roomgraph/internal/store"
)

// DefaultSnapshotCacheSize is the number of per-event state snapshots kept
// in memory.
const DefaultSnapshotCacheSize = 4096

// Store is the read side of the event store the cache falls back to.
type Store interface {
	stateres.EventSource
	CurrentState(ctx context.Context, room pdu.RoomID) (pdu.StateMap, error)
	StateAfterEvent(ctx context.Context, id pdu.EventID) (pdu.StateMap, error)
}

// Cache is the per-room state materializer.
type Cache struct {
	store    Store
	resolver *stateres.Resolver
	logger   *slog.Logger
	buffer   int

	mu    sync.Mutex
	rooms map[pdu.RoomID]*atomic.Pointer[pdu.StateMap]

	snapshots *lru.Cache[pdu.EventID, pdu.StateMap]
	feed      feed
	sinks     []Sink
}

// Option configures a Cache.
type Option func(*Cache)

// WithSnapshotCacheSize sets the snapshot LRU capacity.
func WithSnapshotCacheSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.snapshots, _ = lru.New[pdu.EventID, pdu.StateMap](n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithSink adds a sink that receives every update.
func WithSink(s Sink) Option {
	return func(c *Cache) { c.sinks = append(c.sinks, s) }
}

// WithSubscriptionBuffer sets the channel size of new subscriptions.
func WithSubscriptionBuffer(n int) Option {
	return func(c *Cache) { c.buffer = n }
}

// New returns a Cache over st. The resolver is used for merges of more
// than one prior state.
func New(st Store, resolver *stateres.Resolver, opts ...Option) *Cache {
	snapshots, _ := lru.New[pdu.EventID, pdu.StateMap](DefaultSnapshotCacheSize)
	c := &Cache{
		store:     st,
		resolver:  resolver,
		logger:    slog.Default(),
		buffer:    64,
		rooms:     make(map[pdu.RoomID]*atomic.Pointer[pdu.StateMap]),
		snapshots: snapshots,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) view(room pdu.RoomID) *atomic.Pointer[pdu.StateMap] {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.rooms[room]
	if !ok {
		v = new(atomic.Pointer[pdu.StateMap])
		c.rooms[room] = v
	}
	return v
}

// Current returns the current resolved state of room. The map must not
// be modified.
func (c *Cache) Current(ctx context.Context, room pdu.RoomID) (pdu.StateMap, error) {
	v := c.view(room)
	if p := v.Load(); p != nil {
		return *p, nil
	}
	state, err := c.store.CurrentState(ctx, room)
	if err != nil {
		return nil, err
	}
	// A concurrent Publish wins over the store read.
	if !v.CompareAndSwap(nil, &state) {
		return *v.Load(), nil
	}
	return state, nil
}

// StateAfter returns the state after event id.
func (c *Cache) StateAfter(ctx context.Context, id pdu.EventID) (pdu.StateMap, error) {
	if state, ok := c.snapshots.Get(id); ok {
		return state, nil
	}
	state, err := c.store.StateAfterEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("state after %s: %w", id, err)
	}
	c.snapshots.Add(id, state)
	return state, nil
}

// StateBefore returns the state an event with the given prev_events is
// applied to. A single parent, or parents that all share one state, is a
// lookup. Anything else is resolved.
func (c *Cache) StateBefore(ctx context.Context, prevs []pdu.EventID) (pdu.StateMap, error) {
	return c.stateBefore(ctx, prevs, nil, c.resolver)
}

// ResolveCurrent computes the current state for a set of forward
// extremities that includes ev, which is about to be committed with state
// stateAfter and is not stored yet.
func (c *Cache) ResolveCurrent(ctx context.Context, extremities []pdu.EventID, ev *pdu.Event, stateAfter pdu.StateMap) (pdu.StateMap, error) {
	known := map[pdu.EventID]pdu.StateMap{ev.EventID: stateAfter}
	return c.stateBefore(ctx, extremities, known, c.resolver.With(ev))
}

func (c *Cache) stateBefore(ctx context.Context, prevs []pdu.EventID, known map[pdu.EventID]pdu.StateMap, resolver *stateres.Resolver) (pdu.StateMap, error) {
	sets := make([]pdu.StateMap, 0, len(prevs))
	for _, id := range prevs {
		state, ok := known[id]
		if !ok {
			var err error
			if state, err = c.StateAfter(ctx, id); err != nil {
				return nil, err
			}
		}
		sets = append(sets, state)
	}
	return merge(ctx, resolver, sets)
}

// merge resolves sets after dropping duplicates.
func merge(ctx context.Context, resolver *stateres.Resolver, sets []pdu.StateMap) (pdu.StateMap, error) {
	distinct := make([]pdu.StateMap, 0, len(sets))
	for _, set := range sets {
		dup := false
		for _, d := range distinct {
			if d.Equal(set) {
				dup = true
				break
			}
		}
		if !dup {
			distinct = append(distinct, set)
		}
	}
	switch len(distinct) {
	case 0:
		return pdu.StateMap{}, nil
	case 1:
		return distinct[0], nil
	}
	return resolver.Resolve(ctx, distinct)
}

// Apply returns the state after ev given the state before it. Rejected
// events and non-state events leave the state unchanged.
func Apply(before pdu.StateMap, ev *pdu.Event, rejected bool) pdu.StateMap {
	if rejected {
		return before
	}
	return before.With(ev)
}

// Diff returns the delta between two states.
func Diff(from, to pdu.StateMap) pdu.StateDelta {
	return pdu.DiffStates(from, to)
}

// Publish records state committed by the store: the state after ev and
// the room's new current state. Subscribers and sinks receive the change
// of current state, taken against the cached view. Callers load the view
// with Current before committing; a cold view diffs from empty.
func (c *Cache) Publish(ctx context.Context, ev *pdu.Event, stateAfter, current pdu.StateMap, extremities []pdu.EventID) {
	c.snapshots.Add(ev.EventID, stateAfter)

	v := c.view(ev.RoomID)
	old := v.Swap(&current)
	var previous pdu.StateMap
	if old != nil {
		previous = *old
	}

	update := RoomUpdate{
		RoomID:      ev.RoomID,
		Event:       ev,
		Diff:        Diff(previous, current),
		Extremities: extremities,
	}
	c.feed.publish(update)
	for _, s := range c.sinks {
		if err := s.Publish(ctx, update); err != nil {
			c.logger.Warn("room update sink failed",
				"room_id", ev.RoomID.String(),
				"event_id", ev.EventID.String(),
				"error", err,
			)
		}
	}
}

// Subscribe returns a stream of updates for room.
func (c *Cache) Subscribe(room pdu.RoomID) *Subscription {
	return c.feed.subscribe(room, c.buffer)
}

// Invalidate drops the cached view of room and every snapshot. The next
// read goes to the store.
func (c *Cache) Invalidate(room pdu.RoomID) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	c.snapshots.Purge()
}

// IsNotFound reports whether err means the store has no record.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
