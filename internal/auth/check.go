package auth

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/roach88/roomgraph/internal/pdu"
)

// Check decides whether ev is admissible against state. It returns nil to
// allow and a *RejectedError naming the first failing rule otherwise.
func Check(ev *pdu.Event, state *AuthState) error {
	rules := ev.Rules()

	if ev.Type == pdu.TypeCreate {
		return checkCreate(ev, rules)
	}

	if err := checkAuthEventShape(ev, state); err != nil {
		return err
	}
	create := state.Create()

	if gjson.GetBytes(create.Content, "m\\.federate").Type == gjson.False &&
		ev.Sender.Server() != create.Sender.Server() {
		return reject(RuleFederate, "room does not federate with %s", ev.Sender.Server())
	}

	if ev.Type == pdu.TypeMember {
		return checkMembership(ev, state, rules)
	}

	sender := ev.Sender.String()
	if m := state.Membership(sender); m != pdu.MembershipJoin {
		return reject(RuleSenderMembership, "sender %s has membership %q, not join", sender, m)
	}

	pl, err := state.PowerLevels()
	if err != nil {
		return reject(RulePowerLevel, "current power levels are malformed: %v", err)
	}
	senderLevel := pl.UserLevel(sender)

	if ev.Type == pdu.TypeThirdPartyInvite {
		if senderLevel < pl.Invite {
			return reject(RulePowerLevel, "sender level %d below invite level %d", senderLevel, pl.Invite)
		}
		return nil
	}

	if required := pl.EventLevel(ev.Type, ev.IsState()); senderLevel < required {
		return reject(RulePowerLevel, "sender level %d below required level %d for %s", senderLevel, required, ev.Type)
	}

	if ev.IsState() && strings.HasPrefix(ev.StateKeyValue(), "@") && ev.StateKeyValue() != sender {
		return reject(RuleStateKey, "state key %q names a user other than the sender", ev.StateKeyValue())
	}

	if ev.Type == pdu.TypePowerLevels {
		return checkPowerLevelChange(ev, state, pl, senderLevel)
	}

	return nil
}

func checkCreate(ev *pdu.Event, rules pdu.VersionRules) error {
	if len(ev.PrevEvents) > 0 {
		return reject(RuleCreate, "create event has prev_events")
	}
	if len(ev.AuthEvents) > 0 {
		return reject(RuleCreate, "create event has auth_events")
	}
	if ev.StateKeyValue() != "" || !ev.IsState() {
		return reject(RuleCreate, "create event must have an empty state key")
	}
	if ev.RoomID.Server() != ev.Sender.Server() {
		return reject(RuleCreate, "room %s was not created by a user of its server", ev.RoomID)
	}
	version := ev.CreateRoomVersion()
	if _, err := pdu.LookupRoomVersion(version); err != nil {
		return reject(RuleCreate, "unsupported room version %q", version)
	}
	if pdu.RoomVersion(version) != rules.Version {
		return reject(RuleCreate, "create event declares version %s but was parsed as %s", version, rules.Version)
	}
	if !rules.CreatorFromSender && ev.Creator() == "" {
		return reject(RuleCreate, "create event has no creator")
	}
	return nil
}

func checkAuthEventShape(ev *pdu.Event, state *AuthState) error {
	create := state.Create()
	if create == nil {
		return reject(RuleAuthEvents, "no create event in auth state")
	}
	if create.RoomID != ev.RoomID {
		return reject(RuleAuthEvents, "create event belongs to %s, event to %s", create.RoomID, ev.RoomID)
	}

	allowed := make(map[pdu.StateKey]bool)
	for _, k := range AuthTypesFor(ev) {
		allowed[k] = true
	}
	for _, k := range state.Keys() {
		if !allowed[k] {
			return reject(RuleAuthEvents, "auth event for %s is not relevant to %s", k, ev.Type)
		}
		if other := state.Get(k); other.RoomID != ev.RoomID {
			return reject(RuleAuthEvents, "auth event %s belongs to room %s", other.EventID, other.RoomID)
		}
	}
	return nil
}

func checkPowerLevelChange(ev *pdu.Event, state *AuthState, current pdu.PowerLevels, senderLevel int64) error {
	next, err := pdu.ParsePowerLevels(ev.Content, ev.Rules().IntegerPowerLevels)
	if err != nil {
		return reject(RulePowerLevelChange, "malformed power levels: %v", err)
	}
	for user := range next.Users {
		if _, err := pdu.ParseUserID(user); err != nil {
			return reject(RulePowerLevelChange, "invalid user ID in users: %q", user)
		}
	}

	if state.Get(pdu.PowerLevelsKey) == nil {
		return nil
	}

	scalars := []struct {
		name     string
		old, new int64
	}{
		{"users_default", current.UsersDefault, next.UsersDefault},
		{"events_default", current.EventsDefault, next.EventsDefault},
		{"state_default", current.StateDefault, next.StateDefault},
		{"ban", current.Ban, next.Ban},
		{"kick", current.Kick, next.Kick},
		{"redact", current.Redact, next.Redact},
		{"invite", current.Invite, next.Invite},
	}
	for _, s := range scalars {
		if s.old == s.new {
			continue
		}
		if s.old > senderLevel || s.new > senderLevel {
			return reject(RulePowerLevelChange, "%s change %d -> %d exceeds sender level %d", s.name, s.old, s.new, senderLevel)
		}
	}

	if err := checkLevelMap("events", current.Events, next.Events, senderLevel, ""); err != nil {
		return err
	}
	return checkLevelMap("users", current.Users, next.Users, senderLevel, ev.Sender.String())
}

// checkLevelMap applies the change rules to the events or users map. For
// users, entries of anyone but self whose old level is at or above the
// sender's level may not be touched.
func checkLevelMap(name string, old, next map[string]int64, senderLevel int64, self string) error {
	keys := make(map[string]bool, len(old)+len(next))
	for k := range old {
		keys[k] = true
	}
	for k := range next {
		keys[k] = true
	}
	for k := range keys {
		o, hadOld := old[k]
		n, hasNew := next[k]
		if hadOld && hasNew && o == n {
			continue
		}
		if hadOld && o > senderLevel {
			return reject(RulePowerLevelChange, "%s[%q] old level %d exceeds sender level %d", name, k, o, senderLevel)
		}
		if hasNew && n > senderLevel {
			return reject(RulePowerLevelChange, "%s[%q] new level %d exceeds sender level %d", name, k, n, senderLevel)
		}
		if name == "users" && k != self && hadOld && o >= senderLevel {
			return reject(RulePowerLevelChange, "cannot change level of %s who has level %d >= sender level %d", k, o, senderLevel)
		}
	}
	return nil
}
