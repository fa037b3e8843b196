package stateres

import (
	"container/heap"

	"github.com/roach88/roomgraph/internal/auth"
	"github.com/roach88/roomgraph/internal/pdu"
)

// orderKey is the tie-break among events whose auth dependencies are all
// satisfied.
type orderKey struct {
	power int64
	ts    int64
	id    string
}

func (k orderKey) less(o orderKey) bool {
	if k.power != o.power {
		return k.power < o.power
	}
	if k.ts != o.ts {
		return k.ts < o.ts
	}
	return k.id < o.id
}

type readyQueue struct {
	ids  []pdu.EventID
	keys map[pdu.EventID]orderKey
}

func (q *readyQueue) Len() int           { return len(q.ids) }
func (q *readyQueue) Less(i, j int) bool { return q.keys[q.ids[i]].less(q.keys[q.ids[j]]) }
func (q *readyQueue) Swap(i, j int)      { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }
func (q *readyQueue) Push(x any)         { q.ids = append(q.ids, x.(pdu.EventID)) }
func (q *readyQueue) Pop() any {
	n := len(q.ids)
	id := q.ids[n-1]
	q.ids = q.ids[:n-1]
	return id
}

// senderPower is the sender's level in the state the event declares as its
// auth events. Auth events that cannot be indexed count as power 0.
func senderPower(ev *pdu.Event, lookup func(pdu.EventID) *pdu.Event) int64 {
	if ev.Type == pdu.TypeCreate {
		return pdu.DefaultCreatorLevel
	}
	events := make([]*pdu.Event, 0, len(ev.AuthEvents))
	for _, id := range ev.AuthEvents {
		if a := lookup(id); a != nil {
			events = append(events, a)
		}
	}
	state, err := auth.NewAuthState(events)
	if err != nil {
		return 0
	}
	return auth.SenderPowerLevel(ev, state)
}

// Order sorts events topologically over their auth_events edges. Among
// events whose dependencies are satisfied it picks the lowest sender
// power first, then the earliest origin_server_ts, then the smallest event
// ID. The result depends only on the events, never on the input order.
//
// lookup resolves auth events that lie outside the set being ordered, for
// the sender power computation. Edges to such events are ignored.
func Order(events []*pdu.Event, lookup func(pdu.EventID) *pdu.Event) ([]*pdu.Event, error) {
	byID := make(map[pdu.EventID]*pdu.Event, len(events))
	for _, ev := range events {
		byID[ev.EventID] = ev
	}
	find := func(id pdu.EventID) *pdu.Event {
		if ev, ok := byID[id]; ok {
			return ev
		}
		if lookup != nil {
			return lookup(id)
		}
		return nil
	}

	indegree := make(map[pdu.EventID]int, len(byID))
	dependents := make(map[pdu.EventID][]pdu.EventID, len(byID))
	q := &readyQueue{keys: make(map[pdu.EventID]orderKey, len(byID))}
	for id, ev := range byID {
		q.keys[id] = orderKey{power: senderPower(ev, find), ts: ev.OriginServerTS, id: id.String()}
		seen := make(map[pdu.EventID]bool, len(ev.AuthEvents))
		for _, dep := range ev.AuthEvents {
			if _, in := byID[dep]; !in || seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for id := range byID {
		if indegree[id] == 0 {
			q.ids = append(q.ids, id)
		}
	}
	heap.Init(q)

	out := make([]*pdu.Event, 0, len(byID))
	for q.Len() > 0 {
		id := heap.Pop(q).(pdu.EventID)
		out = append(out, byID[id])
		for _, child := range dependents[id] {
			indegree[child]--
			if indegree[child] == 0 {
				heap.Push(q, child)
			}
		}
	}

	if len(out) != len(byID) {
		var stuck []pdu.EventID
		for id := range byID {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		pdu.SortEventIDs(stuck)
		return nil, &CycleError{Events: stuck}
	}
	return out, nil
}
