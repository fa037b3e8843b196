package auth

import (
	"errors"
	"fmt"
)

// Rule names reported in RejectedError.
const (
	RuleCreate           = "create"
	RuleAuthEvents       = "auth_events"
	RuleFederate         = "federate"
	RuleMembership       = "membership"
	RuleSenderMembership = "sender_membership"
	RulePowerLevel       = "power_level"
	RuleStateKey         = "state_key"
	RulePowerLevelChange = "power_level_change"
	RuleThirdPartyInvite = "third_party_invite"
)

// RejectedError reports the first rule an event failed.
type RejectedError struct {
	Rule   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by %s rule: %s", e.Rule, e.Reason)
}

func reject(rule, format string, args ...any) error {
	return &RejectedError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err is a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// RejectionRule returns the failing rule of a RejectedError, or "".
func RejectionRule(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Rule
	}
	return ""
}
