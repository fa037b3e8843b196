package auth

import (
	"sort"

	"github.com/tidwall/gjson"

	"github.com/roach88/roomgraph/internal/pdu"
)

// AuthTypesFor returns the state keys whose current events an event must
// cite as auth events.
func AuthTypesFor(ev *pdu.Event) []pdu.StateKey {
	return AuthTypes(ev.Type, ev.StateKey, ev.Sender.String(), ev.Content, ev.Rules())
}

// AuthTypes is AuthTypesFor for an event that has not been built yet.
func AuthTypes(evType string, stateKey *string, sender string, content []byte, rules pdu.VersionRules) []pdu.StateKey {
	if evType == pdu.TypeCreate {
		return []pdu.StateKey{}
	}

	set := map[pdu.StateKey]bool{
		pdu.CreateKey:         true,
		pdu.PowerLevelsKey:    true,
		pdu.MemberKey(sender): true,
	}

	if evType == pdu.TypeMember && stateKey != nil {
		set[pdu.MemberKey(*stateKey)] = true

		membership := gjson.GetBytes(content, "membership").String()
		switch membership {
		case pdu.MembershipJoin, pdu.MembershipInvite, pdu.MembershipKnock:
			set[pdu.JoinRulesKey] = true
		}
		if membership == pdu.MembershipInvite {
			if token := gjson.GetBytes(content, "third_party_invite.signed.token"); token.Exists() {
				set[pdu.StateKey{Type: pdu.TypeThirdPartyInvite, StateKey: token.String()}] = true
			}
		}
		if membership == pdu.MembershipJoin && rules.RestrictedJoins {
			if via := gjson.GetBytes(content, "join_authorised_via_users_server").String(); via != "" {
				set[pdu.MemberKey(via)] = true
			}
		}
	}

	keys := make([]pdu.StateKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// SelectAuthEvents picks the auth events for a new event from a state map.
// Keys absent from the state are skipped.
func SelectAuthEvents(keys []pdu.StateKey, state pdu.StateMap) []pdu.EventID {
	ids := make([]pdu.EventID, 0, len(keys))
	for _, k := range keys {
		if id, ok := state[k]; ok {
			ids = append(ids, id)
		}
	}
	pdu.SortEventIDs(ids)
	return ids
}
