package auth

import (
	"fmt"
	"sort"

	"github.com/roach88/roomgraph/internal/pdu"
)

// AuthState is the state an event is authorized against: at most one
// event per key, normally the event's declared auth events.
type AuthState struct {
	events map[pdu.StateKey]*pdu.Event
}

// NewAuthState indexes events by state key. Two events for one key, or a
// non-state event, is an error.
func NewAuthState(events []*pdu.Event) (*AuthState, error) {
	s := &AuthState{events: make(map[pdu.StateKey]*pdu.Event, len(events))}
	for _, ev := range events {
		key, ok := ev.Key()
		if !ok {
			return nil, fmt.Errorf("auth event %s is not a state event", ev.EventID)
		}
		if prev, dup := s.events[key]; dup && prev.EventID != ev.EventID {
			return nil, fmt.Errorf("auth events %s and %s share key %s", prev.EventID, ev.EventID, key)
		}
		s.events[key] = ev
	}
	return s, nil
}

// Get returns the event at key, or nil.
func (s *AuthState) Get(key pdu.StateKey) *pdu.Event {
	return s.events[key]
}

// Keys returns the occupied keys in order.
func (s *AuthState) Keys() []pdu.StateKey {
	keys := make([]pdu.StateKey, 0, len(s.events))
	for k := range s.events {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Create returns the create event, or nil.
func (s *AuthState) Create() *pdu.Event {
	return s.events[pdu.CreateKey]
}

// Membership returns the membership of user, or "" when the user has no
// membership event.
func (s *AuthState) Membership(user string) string {
	if ev := s.events[pdu.MemberKey(user)]; ev != nil {
		return ev.Membership()
	}
	return ""
}

// JoinRule returns the current join rule, or "" when there is none.
func (s *AuthState) JoinRule() string {
	if ev := s.events[pdu.JoinRulesKey]; ev != nil {
		return ev.JoinRule()
	}
	return ""
}

// PowerLevels returns the effective power levels: the parsed power levels
// event, or the creator defaults when the room has none.
func (s *AuthState) PowerLevels() (pdu.PowerLevels, error) {
	if ev := s.events[pdu.PowerLevelsKey]; ev != nil {
		return pdu.ParsePowerLevels(ev.Content, ev.Rules().IntegerPowerLevels)
	}
	creator := ""
	if c := s.Create(); c != nil {
		creator = c.Creator()
	}
	return pdu.DefaultPowerLevels(creator), nil
}

// UserLevel returns the power level of user.
func (s *AuthState) UserLevel(user string) (int64, error) {
	pl, err := s.PowerLevels()
	if err != nil {
		return 0, err
	}
	return pl.UserLevel(user), nil
}

// SenderPowerLevel returns the sender's power level in the state the
// event was authorized against. Malformed power levels count as 0.
func SenderPowerLevel(ev *pdu.Event, state *AuthState) int64 {
	if ev.Type == pdu.TypeCreate {
		return pdu.DefaultCreatorLevel
	}
	level, err := state.UserLevel(ev.Sender.String())
	if err != nil {
		return 0
	}
	return level
}
