package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/roomgraph/internal/pdu"
)

var (
	// ErrNotServed is returned when a server does not have an event.
	ErrNotServed = errors.New("not served")
	// ErrServerDown is returned for every request to a server marked down.
	ErrServerDown = errors.New("server down")
)

// MemoryNetwork is an in-process federation network. Each server serves
// the events it was given; calls are counted so tests can assert fetch
// bounds.
//
// Thread-safety: safe for concurrent use.
type MemoryNetwork struct {
	mu          sync.Mutex
	events      map[string]map[pdu.EventID][]byte
	state       map[string]map[pdu.EventID]pdu.StateSnapshot
	down        map[string]bool
	eventCalls  map[string]int
	stateCalls  map[string]int
	totalEvents int
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		events:     make(map[string]map[pdu.EventID][]byte),
		state:      make(map[string]map[pdu.EventID]pdu.StateSnapshot),
		down:       make(map[string]bool),
		eventCalls: make(map[string]int),
		stateCalls: make(map[string]int),
	}
}

// Serve makes server answer event requests for evs.
func (n *MemoryNetwork) Serve(server string, evs ...*pdu.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.events[server]
	if !ok {
		m = make(map[pdu.EventID][]byte)
		n.events[server] = m
	}
	for _, ev := range evs {
		m[ev.EventID] = ev.JSON()
	}
}

// ServeState makes server answer a state request at an event.
func (n *MemoryNetwork) ServeState(server string, at pdu.EventID, snap pdu.StateSnapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.state[server]
	if !ok {
		m = make(map[pdu.EventID]pdu.StateSnapshot)
		n.state[server] = m
	}
	m[at] = snap
}

// SetDown marks a server unreachable or reachable again.
func (n *MemoryNetwork) SetDown(server string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[server] = down
}

// FetchEvent returns the JSON of an event served by server.
func (n *MemoryNetwork) FetchEvent(ctx context.Context, server pdu.ServerName, id pdu.EventID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eventCalls[server.String()]++
	n.totalEvents++
	if n.down[server.String()] {
		return nil, fmt.Errorf("%s: %w", server, ErrServerDown)
	}
	data, ok := n.events[server.String()][id]
	if !ok {
		return nil, fmt.Errorf("%s does not have %s: %w", server, id, ErrNotServed)
	}
	return append([]byte(nil), data...), nil
}

// FetchState returns the state snapshot served by server at an event.
func (n *MemoryNetwork) FetchState(ctx context.Context, server pdu.ServerName, room pdu.RoomID, at pdu.EventID) (pdu.StateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return pdu.StateSnapshot{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stateCalls[server.String()]++
	if n.down[server.String()] {
		return pdu.StateSnapshot{}, fmt.Errorf("%s: %w", server, ErrServerDown)
	}
	snap, ok := n.state[server.String()][at]
	if !ok {
		return pdu.StateSnapshot{}, fmt.Errorf("%s has no state for %s at %s: %w", server, room, at, ErrNotServed)
	}
	return snap, nil
}

// EventFetches returns the total number of FetchEvent calls.
func (n *MemoryNetwork) EventFetches() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.totalEvents
}

// EventFetchesFrom returns the number of FetchEvent calls sent to server.
func (n *MemoryNetwork) EventFetchesFrom(server string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eventCalls[server]
}

// StateFetchesFrom returns the number of FetchState calls sent to server.
func (n *MemoryNetwork) StateFetchesFrom(server string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateCalls[server]
}
