package statecache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/roomgraph/internal/pdu"
)

// RoomUpdate is published after each committed event.
type RoomUpdate struct {
	RoomID pdu.RoomID
	Event  *pdu.Event
	// Diff turns the previous current state into the new one.
	Diff pdu.StateDelta
	// Extremities are the forward extremities after the commit.
	Extremities []pdu.EventID
}

// Sink receives every RoomUpdate. Errors are logged by the cache and do
// not affect the commit.
type Sink interface {
	Publish(ctx context.Context, update RoomUpdate) error
}

// Subscription is a per-room update stream. Updates that arrive while the
// buffer is full are dropped and counted.
type Subscription struct {
	room    pdu.RoomID
	ch      chan RoomUpdate
	dropped atomic.Int64
	once    sync.Once
	cancel  func(*Subscription)
}

// Updates returns the update channel. It is closed by Close.
func (s *Subscription) Updates() <-chan RoomUpdate { return s.ch }

// Dropped returns how many updates were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel(s)
		close(s.ch)
	})
}

func (s *Subscription) deliver(u RoomUpdate) {
	select {
	case s.ch <- u:
	default:
		s.dropped.Add(1)
	}
}

type feed struct {
	mu   sync.RWMutex
	subs map[pdu.RoomID]map[*Subscription]struct{}
}

func (f *feed) subscribe(room pdu.RoomID, buffer int) *Subscription {
	s := &Subscription{room: room, ch: make(chan RoomUpdate, buffer), cancel: f.unsubscribe}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[pdu.RoomID]map[*Subscription]struct{})
	}
	if f.subs[room] == nil {
		f.subs[room] = make(map[*Subscription]struct{})
	}
	f.subs[room][s] = struct{}{}
	return s
}

func (f *feed) unsubscribe(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[s.room], s)
	if len(f.subs[s.room]) == 0 {
		delete(f.subs, s.room)
	}
}

// publish delivers under the read lock so Close cannot close a channel
// mid-send.
func (f *feed) publish(u RoomUpdate) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs[u.RoomID] {
		s.deliver(u)
	}
}
