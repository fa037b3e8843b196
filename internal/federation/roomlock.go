package federation

import (
	"context"
	"sync"

	"github.com/roach88/roomgraph/internal/pdu"
)

// roomLocks serializes the graph-mutating phases per room. Rooms are
// independent. Entries are dropped once nobody holds or waits for them.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[pdu.RoomID]*roomLock
}

type roomLock struct {
	ch   chan struct{}
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[pdu.RoomID]*roomLock)}
}

// lock acquires the lock for room or returns ctx.Err(). The returned
// function releases it.
func (l *roomLocks) lock(ctx context.Context, room pdu.RoomID) (func(), error) {
	l.mu.Lock()
	rl, ok := l.rooms[room]
	if !ok {
		rl = &roomLock{ch: make(chan struct{}, 1)}
		l.rooms[room] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.ch <- struct{}{}:
		return func() {
			<-rl.ch
			l.release(room, rl)
		}, nil
	case <-ctx.Done():
		l.release(room, rl)
		return nil, ctx.Err()
	}
}

func (l *roomLocks) release(room pdu.RoomID, rl *roomLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.rooms, room)
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
