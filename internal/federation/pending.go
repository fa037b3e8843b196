package federation

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/roomgraph/internal/pdu"
)

// pendingEvent is an event waiting for ancestors that could not be
// fetched.
type pendingEvent struct {
	ev       *pdu.Event
	origin   pdu.ServerName
	missing  map[pdu.EventID]bool
	added    time.Time
	attempts int
}

// pendingSet holds pending events and indexes them by the ids they wait
// for, so persisting an event can wake its dependents.
type pendingSet struct {
	mu      sync.Mutex
	events  map[pdu.EventID]*pendingEvent
	waiting map[pdu.EventID]map[pdu.EventID]bool
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		events:  make(map[pdu.EventID]*pendingEvent),
		waiting: make(map[pdu.EventID]map[pdu.EventID]bool),
	}
}

// add records ev as waiting for missing and returns the number of failed
// fetch attempts so far. Re-adding an event keeps its original timestamp
// and counts another attempt.
func (p *pendingSet) add(ev *pdu.Event, origin pdu.ServerName, missing []pdu.EventID, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pe, ok := p.events[ev.EventID]
	if ok {
		p.unindex(pe)
		pe.attempts++
	} else {
		pe = &pendingEvent{ev: ev, origin: origin, added: now, attempts: 1}
		p.events[ev.EventID] = pe
	}
	pe.missing = make(map[pdu.EventID]bool, len(missing))
	for _, id := range missing {
		pe.missing[id] = true
		if p.waiting[id] == nil {
			p.waiting[id] = make(map[pdu.EventID]bool)
		}
		p.waiting[id][ev.EventID] = true
	}
	return pe.attempts
}

func (p *pendingSet) unindex(pe *pendingEvent) {
	for id := range pe.missing {
		delete(p.waiting[id], pe.ev.EventID)
		if len(p.waiting[id]) == 0 {
			delete(p.waiting, id)
		}
	}
}

func (p *pendingSet) remove(id pdu.EventID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pe, ok := p.events[id]; ok {
		p.unindex(pe)
		delete(p.events, id)
	}
}

// satisfied marks id as stored and returns, in ID order, the dependents
// that no longer wait for anything. They leave the set.
func (p *pendingSet) satisfied(id pdu.EventID) []*pendingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []*pendingEvent
	for dep := range p.waiting[id] {
		pe := p.events[dep]
		delete(pe.missing, id)
		if len(pe.missing) == 0 {
			ready = append(ready, pe)
			delete(p.events, dep)
		}
	}
	delete(p.waiting, id)
	sort.Slice(ready, func(i, j int) bool { return ready[i].ev.EventID.String() < ready[j].ev.EventID.String() })
	return ready
}

// expire drops events older than ttl and returns their ids.
func (p *pendingSet) expire(now time.Time, ttl time.Duration) []pdu.EventID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []pdu.EventID
	for id, pe := range p.events {
		if now.Sub(pe.added) > ttl {
			p.unindex(pe)
			delete(p.events, id)
			out = append(out, id)
		}
	}
	pdu.SortEventIDs(out)
	return out
}

// list returns the pending events oldest first.
func (p *pendingSet) list() []*pendingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*pendingEvent, 0, len(p.events))
	for _, pe := range p.events {
		out = append(out, pe)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].added.Equal(out[j].added) {
			return out[i].added.Before(out[j].added)
		}
		return out[i].ev.EventID.String() < out[j].ev.EventID.String()
	})
	return out
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *pendingSet) has(id pdu.EventID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.events[id]
	return ok
}
