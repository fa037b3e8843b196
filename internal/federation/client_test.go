package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/testutil"
)

func newTestHTTPNetwork(t *testing.T, handler http.HandlerFunc) *HTTPNetwork {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	n, err := NewHTTPNetwork(HTTPConfig{Servers: map[string]string{"b.org": srv.URL + "/"}})
	require.NoError(t, err)
	return n
}

func TestHTTPNetworkFetchEvent(t *testing.T) {
	room := testutil.StandardRoom(t, pdu.RoomV10, alice, nil)
	create := room.Event("create")

	n := newTestHTTPNetwork(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/federation/v1/event/"+create.EventID.String(), r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"origin": "b.org",
			"pdus":   []json.RawMessage{create.JSON()},
		})
	})

	raw, err := n.FetchEvent(context.Background(), serverB, create.EventID)
	require.NoError(t, err)
	got, err := pdu.ParseEvent(raw, pdu.RoomV10)
	require.NoError(t, err)
	assert.Equal(t, create.EventID, got.EventID)
}

func TestHTTPNetworkFetchState(t *testing.T) {
	room := testutil.StandardRoom(t, pdu.RoomV10, alice, nil)

	n := newTestHTTPNetwork(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/federation/v1/state/"+room.RoomID.String(), r.URL.Path)
		assert.Equal(t, room.ID("join_rules").String(), r.URL.Query().Get("event_id"))
		snap := pdu.StateSnapshot{}
		for _, ev := range room.Events() {
			snap.PDUs = append(snap.PDUs, ev.JSON())
		}
		json.NewEncoder(w).Encode(snap)
	})

	snap, err := n.FetchState(context.Background(), serverB, room.RoomID, room.ID("join_rules"))
	require.NoError(t, err)
	assert.Len(t, snap.PDUs, 4)
}

func TestHTTPNetworkRemoteError(t *testing.T) {
	n := newTestHTTPNetwork(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"no such event"}`))
	})

	_, err := n.FetchEvent(context.Background(), serverB, pdu.MustParseEventID("$missing"))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "M_NOT_FOUND", remote.Code)
	assert.Equal(t, http.StatusNotFound, remote.StatusCode)
}

func TestHTTPNetworkUnknownServer(t *testing.T) {
	n, err := NewHTTPNetwork(HTTPConfig{})
	require.NoError(t, err)
	_, err = n.FetchEvent(context.Background(), serverA, pdu.MustParseEventID("$x"))
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestHTTPNetworkEmptyEventResponse(t *testing.T) {
	n := newTestHTTPNetwork(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pdus":[]}`))
	})
	_, err := n.FetchEvent(context.Background(), serverB, pdu.MustParseEventID("$x"))
	assert.Error(t, err)
}
