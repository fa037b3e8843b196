package pdu

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Content accessors read single fields straight from the raw content with
// gjson. Missing or mistyped fields read as "".

// Membership returns content.membership of a member event.
func (e *Event) Membership() string {
	return gjson.GetBytes(e.Content, "membership").String()
}

// JoinRule returns content.join_rule of a join rules event.
func (e *Event) JoinRule() string {
	return gjson.GetBytes(e.Content, "join_rule").String()
}

// AuthorisingUser returns content.join_authorised_via_users_server.
func (e *Event) AuthorisingUser() string {
	return gjson.GetBytes(e.Content, "join_authorised_via_users_server").String()
}

// HasThirdPartyInvite reports whether a member event carries
// content.third_party_invite.
func (e *Event) HasThirdPartyInvite() bool {
	return gjson.GetBytes(e.Content, "third_party_invite").Exists()
}

// CreateRoomVersion returns content.room_version of a create event, which
// defaults to "1" when absent.
func (e *Event) CreateRoomVersion() string {
	v := gjson.GetBytes(e.Content, "room_version")
	if !v.Exists() {
		return "1"
	}
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}

// Creator returns the room creator named by a create event.
func (e *Event) Creator() string {
	if e.Rules().CreatorFromSender {
		return e.Sender.String()
	}
	return gjson.GetBytes(e.Content, "creator").String()
}

// JoinRuleAllowRooms returns the room IDs listed as m.room_membership
// conditions in content.allow of a join rules event.
func (e *Event) JoinRuleAllowRooms() []string {
	var rooms []string
	gjson.GetBytes(e.Content, "allow").ForEach(func(_, cond gjson.Result) bool {
		if cond.Get("type").String() == "m.room_membership" {
			if id := cond.Get("room_id").String(); id != "" {
				rooms = append(rooms, id)
			}
		}
		return true
	})
	return rooms
}

// Default thresholds applied when a power levels event omits a key.
const (
	DefaultBanLevel           = 50
	DefaultKickLevel          = 50
	DefaultRedactLevel        = 50
	DefaultInviteLevel        = 0
	DefaultEventsDefault      = 0
	DefaultStateDefault       = 50
	DefaultUsersDefault       = 0
	DefaultCreatorLevel       = 100
	noPowerLevelsStateDefault = 0
)

// PowerLevels is the parsed content of an m.room.power_levels event.
type PowerLevels struct {
	Ban           int64
	Kick          int64
	Redact        int64
	Invite        int64
	EventsDefault int64
	StateDefault  int64
	UsersDefault  int64
	Events        map[string]int64
	Users         map[string]int64
}

// DefaultPowerLevels returns the implicit levels of a room that has no
// power levels event: the creator holds 100 and everyone else 0.
func DefaultPowerLevels(creator string) PowerLevels {
	pl := PowerLevels{
		Ban:           DefaultBanLevel,
		Kick:          DefaultKickLevel,
		Redact:        DefaultRedactLevel,
		Invite:        DefaultInviteLevel,
		EventsDefault: DefaultEventsDefault,
		StateDefault:  noPowerLevelsStateDefault,
		UsersDefault:  DefaultUsersDefault,
		Events:        map[string]int64{},
		Users:         map[string]int64{},
	}
	if creator != "" {
		pl.Users[creator] = DefaultCreatorLevel
	}
	return pl
}

// ParsePowerLevels parses power levels content. With strict set, every
// level must be a JSON integer; otherwise integer strings are accepted too.
func ParsePowerLevels(content []byte, strict bool) (PowerLevels, error) {
	root := gjson.ParseBytes(content)
	if !root.IsObject() {
		return PowerLevels{}, fmt.Errorf("power levels content must be an object")
	}

	pl := PowerLevels{Events: map[string]int64{}, Users: map[string]int64{}}
	scalars := []struct {
		key string
		dst *int64
		def int64
	}{
		{"ban", &pl.Ban, DefaultBanLevel},
		{"kick", &pl.Kick, DefaultKickLevel},
		{"redact", &pl.Redact, DefaultRedactLevel},
		{"invite", &pl.Invite, DefaultInviteLevel},
		{"events_default", &pl.EventsDefault, DefaultEventsDefault},
		{"state_default", &pl.StateDefault, DefaultStateDefault},
		{"users_default", &pl.UsersDefault, DefaultUsersDefault},
	}
	for _, s := range scalars {
		v := root.Get(gjsonEscape(s.key))
		if !v.Exists() {
			*s.dst = s.def
			continue
		}
		n, err := powerLevelValue(v, strict)
		if err != nil {
			return PowerLevels{}, fmt.Errorf("power levels %s: %w", s.key, err)
		}
		*s.dst = n
	}

	for _, field := range []struct {
		key string
		dst map[string]int64
	}{{"events", pl.Events}, {"users", pl.Users}} {
		v := root.Get(field.key)
		if !v.Exists() {
			continue
		}
		if !v.IsObject() {
			return PowerLevels{}, fmt.Errorf("power levels %s must be an object", field.key)
		}
		var perr error
		v.ForEach(func(k, val gjson.Result) bool {
			n, err := powerLevelValue(val, strict)
			if err != nil {
				perr = fmt.Errorf("power levels %s[%q]: %w", field.key, k.String(), err)
				return false
			}
			field.dst[k.String()] = n
			return true
		})
		if perr != nil {
			return PowerLevels{}, perr
		}
	}
	return pl, nil
}

func powerLevelValue(v gjson.Result, strict bool) (int64, error) {
	switch v.Type {
	case gjson.Number:
		if strings.ContainsAny(v.Raw, ".eE") {
			return 0, fmt.Errorf("not an integer: %s", v.Raw)
		}
		return strconv.ParseInt(v.Raw, 10, 64)
	case gjson.String:
		if strict {
			return 0, fmt.Errorf("string level %q not allowed in this room version", v.Str)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", v.Str)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected %s", v.Type)
	}
}

// gjsonEscape escapes path metacharacters in a literal key.
func gjsonEscape(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UserLevel returns the power level of a user.
func (p PowerLevels) UserLevel(user string) int64 {
	if n, ok := p.Users[user]; ok {
		return n
	}
	return p.UsersDefault
}

// EventLevel returns the level required to send an event of the given
// type.
func (p PowerLevels) EventLevel(evType string, isState bool) int64 {
	if n, ok := p.Events[evType]; ok {
		return n
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// SortedUsers returns the user keys in byte order.
func (p PowerLevels) SortedUsers() []string {
	users := make([]string, 0, len(p.Users))
	for u := range p.Users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
