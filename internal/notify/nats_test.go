package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/statecache"
	"github.com/roach88/roomgraph/internal/testutil"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (p *recordingPublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func testUpdate(t *testing.T) statecache.RoomUpdate {
	room := testutil.StandardRoom(t, pdu.RoomV10, "@alice:a.org", nil)
	jr := room.Event("join_rules")
	return statecache.RoomUpdate{
		RoomID:      room.RoomID,
		Event:       jr,
		Diff:        pdu.DiffStates(pdu.StateMap{}, pdu.StateMap{}.With(jr)),
		Extremities: []pdu.EventID{jr.EventID},
	}
}

func TestNATSSinkPublish(t *testing.T) {
	pub := &recordingPublisher{}
	sink, err := NewNATSSink(pub, "rg.")
	require.NoError(t, err)

	u := testUpdate(t)
	require.NoError(t, sink.Publish(context.Background(), u))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.True(t, strings.HasPrefix(msg.Subject, "rg.rooms."))
	token := strings.TrimPrefix(msg.Subject, "rg.rooms.")
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Equal(t, u.RoomID.String(), string(decoded))

	assert.Equal(t, u.Event.EventID.String(), msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, u.RoomID.String(), msg.Header.Get(HeaderRoomID))

	var body Message
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, u.Event.EventID, body.EventID)
	assert.Equal(t, pdu.TypeJoinRules, body.Type)
	require.Len(t, body.Diff.Added, 1)
	assert.Equal(t, u.Extremities, body.Extremities)
}

func TestNATSSinkDefaults(t *testing.T) {
	sink, err := NewNATSSink(&recordingPublisher{}, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sink.Subject(pdu.MustParseRoomID("!r:a.org")), DefaultSubjectPrefix+".rooms."))

	_, err = NewNATSSink(nil, "x")
	assert.Error(t, err)
	_, err = NewNATSSink(&recordingPublisher{}, "bad.>")
	assert.Error(t, err)
}

func TestNATSSinkPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("connection closed")}
	sink, err := NewNATSSink(pub, "rg")
	require.NoError(t, err)

	err = sink.Publish(context.Background(), testUpdate(t))
	assert.ErrorContains(t, err, "connection closed")
}

func TestNATSSinkHonoursCancelledContext(t *testing.T) {
	pub := &recordingPublisher{}
	sink, err := NewNATSSink(pub, "rg")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Publish(ctx, testUpdate(t)), context.Canceled)
	assert.Empty(t, pub.msgs)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(ConnectConfig{})
	assert.Error(t, err)
}
