package federation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/testutil"
)

// gatedNetwork holds every event fetch until release is closed.
type gatedNetwork struct {
	*testutil.MemoryNetwork
	release chan struct{}
	calls   atomic.Int32
}

func (n *gatedNetwork) FetchEvent(ctx context.Context, server pdu.ServerName, id pdu.EventID) ([]byte, error) {
	n.calls.Add(1)
	select {
	case <-n.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return n.MemoryNetwork.FetchEvent(ctx, server, id)
}

func TestFetchOneDoesNotShareAcrossRooms(t *testing.T) {
	roomA := testutil.StandardRoom(t, pdu.RoomV10, alice, nil)
	roomB := testutil.StandardRoom(t, pdu.RoomV10, bob, nil)
	inA := roomA.Message("in_a", alice, "a", []string{"join_rules"}, testutil.StandardAuth("creator_join"))
	inB := roomB.Message("in_b", bob, "b", []string{"join_rules"}, testutil.StandardAuth("creator_join"))
	target := roomB.ID("join_rules")

	net := &gatedNetwork{MemoryNetwork: testutil.NewMemoryNetwork(), release: make(chan struct{})}
	net.Serve("b.org", roomB.Events()...)
	f := &fetcher{
		network: net,
		keys:    testutil.KeyRing("a.org", "b.org"),
		health:  newServerHealth(time.Millisecond),
		clock:   testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		limits:  testLimits(),
		logger:  slog.Default(),
		sems:    make(map[pdu.RoomID]*semaphore.Weighted),
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var errA, errB error
	var gotB *pdu.Event
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = f.fetchOne(ctx, inA, serverB, target, nil)
	}()
	require.Eventually(t, func() bool { return net.calls.Load() >= 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		gotB, errB = f.fetchOne(ctx, inB, serverB, target, nil)
	}()
	require.Eventually(t, func() bool { return net.calls.Load() >= 2 }, time.Second, time.Millisecond,
		"the second room makes its own request")
	close(net.release)
	wg.Wait()

	assert.Error(t, errA, "the event belongs to another room")
	require.NoError(t, errB)
	assert.Equal(t, target, gotB.EventID)
}
