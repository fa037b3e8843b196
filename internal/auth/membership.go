package auth

import (
	"github.com/roach88/roomgraph/internal/pdu"
)

func checkMembership(ev *pdu.Event, state *AuthState, rules pdu.VersionRules) error {
	if !ev.IsState() {
		return reject(RuleMembership, "member event has no state key")
	}
	target := ev.StateKeyValue()
	if _, err := pdu.ParseUserID(target); err != nil {
		return reject(RuleMembership, "state key %q is not a user ID", target)
	}
	sender := ev.Sender.String()
	membership := ev.Membership()

	pl, err := state.PowerLevels()
	if err != nil {
		return reject(RulePowerLevel, "current power levels are malformed: %v", err)
	}
	senderLevel := pl.UserLevel(sender)
	targetLevel := pl.UserLevel(target)
	senderMembership := state.Membership(sender)
	targetMembership := state.Membership(target)

	switch membership {
	case pdu.MembershipJoin:
		return checkJoin(ev, state, rules, pl, target, targetMembership)

	case pdu.MembershipInvite:
		if ev.HasThirdPartyInvite() {
			return reject(RuleThirdPartyInvite, "third party invites are not supported")
		}
		if senderMembership != pdu.MembershipJoin {
			return reject(RuleMembership, "inviter %s is not joined", sender)
		}
		if targetMembership == pdu.MembershipJoin || targetMembership == pdu.MembershipBan {
			return reject(RuleMembership, "cannot invite %s with membership %q", target, targetMembership)
		}
		if senderLevel < pl.Invite {
			return reject(RuleMembership, "sender level %d below invite level %d", senderLevel, pl.Invite)
		}
		return nil

	case pdu.MembershipLeave:
		if sender == target {
			switch targetMembership {
			case pdu.MembershipJoin, pdu.MembershipInvite:
				return nil
			case pdu.MembershipKnock:
				if rules.Knocking {
					return nil
				}
			}
			return reject(RuleMembership, "%s cannot leave from membership %q", target, targetMembership)
		}
		if senderMembership != pdu.MembershipJoin {
			return reject(RuleMembership, "kicker %s is not joined", sender)
		}
		if targetMembership == pdu.MembershipBan && senderLevel < pl.Ban {
			return reject(RuleMembership, "unbanning needs level %d, sender has %d", pl.Ban, senderLevel)
		}
		if senderLevel < pl.Kick || targetLevel >= senderLevel {
			return reject(RuleMembership, "sender level %d cannot kick %s at level %d (kick level %d)", senderLevel, target, targetLevel, pl.Kick)
		}
		return nil

	case pdu.MembershipBan:
		if senderMembership != pdu.MembershipJoin {
			return reject(RuleMembership, "banner %s is not joined", sender)
		}
		if senderLevel < pl.Ban || targetLevel >= senderLevel {
			return reject(RuleMembership, "sender level %d cannot ban %s at level %d (ban level %d)", senderLevel, target, targetLevel, pl.Ban)
		}
		return nil

	case pdu.MembershipKnock:
		if !rules.Knocking {
			return reject(RuleMembership, "knocking is not supported in room version %s", rules.Version)
		}
		jr := state.JoinRule()
		if jr != pdu.JoinRuleKnock && !(rules.KnockRestricted && jr == pdu.JoinRuleKnockRestricted) {
			return reject(RuleMembership, "join rule %q does not allow knocking", jr)
		}
		if sender != target {
			return reject(RuleMembership, "%s cannot knock on behalf of %s", sender, target)
		}
		switch targetMembership {
		case pdu.MembershipBan, pdu.MembershipInvite, pdu.MembershipJoin:
			return reject(RuleMembership, "cannot knock with membership %q", targetMembership)
		}
		return nil

	default:
		return reject(RuleMembership, "unknown membership %q", membership)
	}
}

func checkJoin(ev *pdu.Event, state *AuthState, rules pdu.VersionRules, pl pdu.PowerLevels, target, targetMembership string) error {
	create := state.Create()

	// The creator's first join directly follows the create event.
	if len(ev.PrevEvents) == 1 && ev.PrevEvents[0] == create.EventID && target == create.Creator() {
		return nil
	}

	if ev.Sender.String() != target {
		return reject(RuleMembership, "%s cannot join on behalf of %s", ev.Sender, target)
	}
	if targetMembership == pdu.MembershipBan {
		return reject(RuleMembership, "%s is banned", target)
	}

	switch jr := state.JoinRule(); {
	case jr == pdu.JoinRuleInvite || (rules.Knocking && jr == pdu.JoinRuleKnock):
		if targetMembership == pdu.MembershipJoin || targetMembership == pdu.MembershipInvite {
			return nil
		}
		return reject(RuleMembership, "join rule %q requires an invite", jr)

	case (rules.RestrictedJoins && jr == pdu.JoinRuleRestricted) ||
		(rules.KnockRestricted && jr == pdu.JoinRuleKnockRestricted):
		if targetMembership == pdu.MembershipJoin || targetMembership == pdu.MembershipInvite {
			return nil
		}
		via := ev.AuthorisingUser()
		if via == "" {
			return reject(RuleMembership, "restricted join without an authorising user")
		}
		if state.Membership(via) != pdu.MembershipJoin {
			return reject(RuleMembership, "authorising user %s is not joined", via)
		}
		if pl.UserLevel(via) < pl.Invite {
			return reject(RuleMembership, "authorising user %s cannot invite", via)
		}
		return nil

	case jr == pdu.JoinRulePublic:
		return nil

	default:
		return reject(RuleMembership, "join rule %q does not allow joining", jr)
	}
}
