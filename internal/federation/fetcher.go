package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/roomgraph/internal/pdu"
)

// Network fetches events and state from remote servers.
type Network interface {
	FetchEvent(ctx context.Context, server pdu.ServerName, id pdu.EventID) ([]byte, error)
	FetchState(ctx context.Context, server pdu.ServerName, room pdu.RoomID, at pdu.EventID) (pdu.StateSnapshot, error)
}

// errNoServers is returned when every candidate server is backing off.
var errNoServers = errors.New("no server available")

// missingLister reports which ids the store lacks.
type missingLister interface {
	MissingEvents(ctx context.Context, ids []pdu.EventID) ([]pdu.EventID, error)
}

type fetcher struct {
	network Network
	keys    pdu.KeyRing
	store   missingLister
	health  *serverHealth
	peers   []pdu.ServerName
	clock   Clock
	limits  Limits
	logger  *slog.Logger

	flight singleflight.Group

	mu   sync.Mutex
	sems map[pdu.RoomID]*semaphore.Weighted
}

func (f *fetcher) roomSemaphore(room pdu.RoomID) *semaphore.Weighted {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sems[room]
	if !ok {
		s = semaphore.NewWeighted(f.limits.MaxOutstanding)
		f.sems[room] = s
	}
	return s
}

// candidates lists the servers to ask for an event: origin first, then
// the known peers, skipping servers that are backing off.
func (f *fetcher) candidates(origin pdu.ServerName) []pdu.ServerName {
	now := f.clock.Now()
	out := make([]pdu.ServerName, 0, len(f.peers)+1)
	seen := make(map[pdu.ServerName]bool, len(f.peers)+1)
	for _, s := range append([]pdu.ServerName{origin}, f.peers...) {
		if s.IsZero() || seen[s] {
			continue
		}
		seen[s] = true
		if f.health.available(s, now) {
			out = append(out, s)
		}
	}
	return out
}

func refsOf(ev *pdu.Event) []pdu.EventID {
	out := make([]pdu.EventID, 0, len(ev.PrevEvents)+len(ev.AuthEvents))
	seen := make(map[pdu.EventID]bool, cap(out))
	for _, ids := range [][]pdu.EventID{ev.PrevEvents, ev.AuthEvents} {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// fetchAncestors fetches every missing ancestor of ev, breadth first, and
// returns them oldest first. The walk stops at events the store already
// holds. It fails with *fetchLimitError when the chain exceeds the budget.
func (f *fetcher) fetchAncestors(ctx context.Context, ev *pdu.Event, origin pdu.ServerName, missing []pdu.EventID) ([]*pdu.Event, error) {
	budget := &fetchBudget{maxDepth: f.limits.MaxDepth, maxEvents: f.limits.MaxEvents}
	fetched := make(map[pdu.EventID]*pdu.Event)
	queued := make(map[pdu.EventID]bool, len(missing))
	for _, id := range missing {
		queued[id] = true
	}

	var prefetch map[pdu.EventID][]byte
	if f.limits.PrefetchThreshold > 0 && len(missing) >= f.limits.PrefetchThreshold {
		prefetch = f.prefetchState(ctx, origin, ev)
	}

	frontier := missing
	for depth := 1; len(frontier) > 0; depth++ {
		if err := budget.checkDepth(depth); err != nil {
			return nil, err
		}
		if err := budget.take(len(frontier)); err != nil {
			return nil, err
		}

		level, err := f.fetchLevel(ctx, ev, origin, frontier, prefetch)
		if err != nil {
			return nil, err
		}

		var next []pdu.EventID
		for _, id := range frontier {
			got := level[id]
			fetched[id] = got
			for _, ref := range refsOf(got) {
				if !queued[ref] {
					queued[ref] = true
					next = append(next, ref)
				}
			}
		}
		if len(next) > 0 {
			if next, err = f.store.MissingEvents(ctx, next); err != nil {
				return nil, &IntakeError{Code: ErrCodeStoreFailure, EventID: ev.EventID, RoomID: ev.RoomID, Err: err}
			}
		}
		frontier = next
	}

	return topoOrder(fetched)
}

// fetchLevel fetches one frontier in parallel, bounded per room.
func (f *fetcher) fetchLevel(ctx context.Context, ev *pdu.Event, origin pdu.ServerName, ids []pdu.EventID, prefetch map[pdu.EventID][]byte) (map[pdu.EventID]*pdu.Event, error) {
	sem := f.roomSemaphore(ev.RoomID)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	out := make(map[pdu.EventID]*pdu.Event, len(ids))
	for _, id := range ids {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			got, err := f.fetchOne(gctx, ev, origin, id, prefetch[id])
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = got
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchOne returns a verified copy of id. A prefetched body is used when
// it verifies. Concurrent requests for one id share a single fetch.
func (f *fetcher) fetchOne(ctx context.Context, ev *pdu.Event, origin pdu.ServerName, id pdu.EventID, prefetched []byte) (*pdu.Event, error) {
	version := ev.Version()
	if prefetched != nil {
		if got, err := verifyFetched(prefetched, version, id, ev.RoomID, f.keys); err == nil {
			return got, nil
		}
	}

	// The result is verified against the caller's room, so callers from
	// different rooms must not share it.
	v, err, _ := f.flight.Do(ev.RoomID.String()+"|"+id.String(), func() (any, error) {
		return f.fetchWithRetry(ctx, ev.RoomID, version, origin, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*pdu.Event), nil
}

// fetchWithRetry asks one server per attempt, rotating through the
// candidates with exponential backoff between attempts.
func (f *fetcher) fetchWithRetry(ctx context.Context, room pdu.RoomID, version pdu.RoomVersion, origin pdu.ServerName, id pdu.EventID) (*pdu.Event, error) {
	servers := f.candidates(origin)
	if len(servers) == 0 {
		return nil, fmt.Errorf("fetch %s: %w", id, errNoServers)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.limits.BackoffInitial
	eb.MaxInterval = f.limits.BackoffMax
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(max(f.limits.MaxAttempts-1, 0)))
	b = backoff.WithContext(b, ctx)

	var got *pdu.Event
	attempt := 0
	op := func() error {
		server := servers[attempt%len(servers)]
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, f.limits.FetchTimeout)
		defer cancel()
		raw, err := f.network.FetchEvent(callCtx, server, id)
		if err == nil {
			got, err = verifyFetched(raw, version, id, room, f.keys)
		}
		if err != nil {
			f.health.recordFailure(server, f.clock.Now())
			f.logger.Debug("ancestor fetch failed",
				"event_id", id.String(),
				"server", server.String(),
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		f.health.recordSuccess(server)
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("fetch %s after %d attempts: %w", id, attempt, err)
	}
	return got, nil
}

// prefetchState asks origin for the state at ev's first parent and keeps
// every returned event body by its computed ID. The bodies are only hints:
// each one is verified again when the BFS reaches it.
func (f *fetcher) prefetchState(ctx context.Context, origin pdu.ServerName, ev *pdu.Event) map[pdu.EventID][]byte {
	if len(ev.PrevEvents) == 0 {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, f.limits.FetchTimeout)
	defer cancel()
	snap, err := f.network.FetchState(callCtx, origin, ev.RoomID, ev.PrevEvents[0])
	if err != nil {
		f.logger.Debug("state prefetch failed", "event_id", ev.EventID.String(), "server", origin.String(), "error", err)
		return nil
	}

	out := make(map[pdu.EventID][]byte, len(snap.PDUs)+len(snap.AuthChain))
	for _, list := range [][]json.RawMessage{snap.PDUs, snap.AuthChain} {
		for _, raw := range list {
			id, err := pdu.ComputeEventID(raw, ev.Version())
			if err != nil {
				continue
			}
			out[id] = raw
		}
	}
	return out
}

// verifyFetched parses a fetched body and checks that it is the event that
// was asked for, in the expected room, with a valid hash and signatures.
func verifyFetched(raw []byte, version pdu.RoomVersion, want pdu.EventID, room pdu.RoomID, keys pdu.KeyRing) (*pdu.Event, error) {
	ev, err := pdu.ParseEvent(raw, version)
	if err != nil {
		return nil, err
	}
	if ev.EventID != want {
		return nil, fmt.Errorf("asked for %s, got %s", want, ev.EventID)
	}
	if ev.RoomID != room {
		return nil, fmt.Errorf("event %s belongs to %s, not %s", want, ev.RoomID, room)
	}
	if err := ev.VerifyContentHash(); err != nil {
		return nil, err
	}
	if err := pdu.VerifySignatures(ev, keys); err != nil {
		return nil, err
	}
	return ev, nil
}

// topoOrder orders fetched events so that every event follows the fetched
// events it references. Ties go to lower depth, then smaller ID.
func topoOrder(events map[pdu.EventID]*pdu.Event) ([]*pdu.Event, error) {
	indegree := make(map[pdu.EventID]int, len(events))
	children := make(map[pdu.EventID][]pdu.EventID, len(events))
	for id, ev := range events {
		for _, ref := range refsOf(ev) {
			if _, ok := events[ref]; ok {
				indegree[id]++
				children[ref] = append(children[ref], id)
			}
		}
	}

	var ready []pdu.EventID
	for id := range events {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	less := func(a, b pdu.EventID) bool {
		da, db := events[a].Depth, events[b].Depth
		if da != db {
			return da < db
		}
		return a.String() < b.String()
	}

	out := make([]*pdu.Event, 0, len(events))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		out = append(out, events[id])
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(out) != len(events) {
		return nil, fmt.Errorf("fetched ancestors contain a reference cycle")
	}
	return out, nil
}

// Limits bound the work intake does for one event.
type Limits struct {
	// MaxDepth is the number of BFS levels of missing ancestors fetched
	// before the event is discarded.
	MaxDepth int
	// MaxEvents is the total number of missing ancestors fetched for one
	// event.
	MaxEvents int
	// MaxOutstanding bounds concurrent fetches per room.
	MaxOutstanding int64
	// MaxAttempts is the number of requests made for one missing event
	// across all servers.
	MaxAttempts int
	// FetchTimeout applies to each request.
	FetchTimeout time.Duration
	// BackoffInitial and BackoffMax shape the retry delay between
	// attempts.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ServerBackoff is the base of the per-server failure backoff.
	ServerBackoff time.Duration
	// PrefetchThreshold is the number of missing parents at which the
	// state at the event is requested in bulk. Zero disables it.
	PrefetchThreshold int
	// PendingTTL is how long an event may wait for its ancestors.
	PendingTTL time.Duration
	// MaxPendingAttempts is the number of failed ancestor fetches after
	// which a pending event is discarded.
	MaxPendingAttempts int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:          20,
		MaxEvents:         200,
		MaxOutstanding:    8,
		MaxAttempts:       3,
		FetchTimeout:      10 * time.Second,
		BackoffInitial:    200 * time.Millisecond,
		BackoffMax:        5 * time.Second,
		ServerBackoff:     time.Minute,
		PrefetchThreshold: 5,
		PendingTTL:        time.Hour,

		MaxPendingAttempts: 5,
	}
}
