package pdu

import "fmt"

// RoomVersion names one of the supported room versions. The set is
// closed: a room's version is chosen by its create event and never changes.
type RoomVersion string

const (
	RoomV6  RoomVersion = "6"
	RoomV7  RoomVersion = "7"
	RoomV8  RoomVersion = "8"
	RoomV9  RoomVersion = "9"
	RoomV10 RoomVersion = "10"
	RoomV11 RoomVersion = "11"
)

// DefaultRoomVersion is used by CreateRoom when no version is requested.
const DefaultRoomVersion = RoomV10

// VersionRules is the fixed rule table for a room version. Authorization,
// redaction and power-level parsing consult it instead of comparing
// version strings.
type VersionRules struct {
	Version RoomVersion

	// Knocking permits membership "knock" and join rule "knock".
	Knocking bool
	// RestrictedJoins permits join rule "restricted".
	RestrictedJoins bool
	// KnockRestricted permits join rule "knock_restricted".
	KnockRestricted bool
	// IntegerPowerLevels rejects power levels that are not JSON integers.
	IntegerPowerLevels bool
	// CreatorFromSender takes the room creator from the create event's
	// sender rather than content.creator.
	CreatorFromSender bool

	// Redaction key sets.
	RedactKeepsJoinRuleAllow     bool
	RedactKeepsAuthorisingUser   bool
	RedactKeepsFullCreateContent bool
	RedactKeepsInviteLevel       bool
	RedactKeepsLegacyTopLevel    bool
}

var versionTable = map[RoomVersion]VersionRules{
	RoomV6: {
		Version:                   RoomV6,
		RedactKeepsLegacyTopLevel: true,
	},
	RoomV7: {
		Version:                   RoomV7,
		Knocking:                  true,
		RedactKeepsLegacyTopLevel: true,
	},
	RoomV8: {
		Version:                   RoomV8,
		Knocking:                  true,
		RestrictedJoins:           true,
		RedactKeepsJoinRuleAllow:  true,
		RedactKeepsLegacyTopLevel: true,
	},
	RoomV9: {
		Version:                    RoomV9,
		Knocking:                   true,
		RestrictedJoins:            true,
		RedactKeepsJoinRuleAllow:   true,
		RedactKeepsAuthorisingUser: true,
		RedactKeepsLegacyTopLevel:  true,
	},
	RoomV10: {
		Version:                    RoomV10,
		Knocking:                   true,
		RestrictedJoins:            true,
		KnockRestricted:            true,
		IntegerPowerLevels:         true,
		RedactKeepsJoinRuleAllow:   true,
		RedactKeepsAuthorisingUser: true,
		RedactKeepsLegacyTopLevel:  true,
	},
	RoomV11: {
		Version:                      RoomV11,
		Knocking:                     true,
		RestrictedJoins:              true,
		KnockRestricted:              true,
		IntegerPowerLevels:           true,
		CreatorFromSender:            true,
		RedactKeepsJoinRuleAllow:     true,
		RedactKeepsAuthorisingUser:   true,
		RedactKeepsFullCreateContent: true,
		RedactKeepsInviteLevel:       true,
	},
}

// LookupRoomVersion returns the rule table for a version string.
func LookupRoomVersion(v string) (VersionRules, error) {
	rules, ok := versionTable[RoomVersion(v)]
	if !ok {
		return VersionRules{}, fmt.Errorf("unsupported room version %q", v)
	}
	return rules, nil
}

// MustLookupRoomVersion is like LookupRoomVersion but panics on error.
func MustLookupRoomVersion(v RoomVersion) VersionRules {
	rules, err := LookupRoomVersion(string(v))
	if err != nil {
		panic(err)
	}
	return rules
}

// SupportedRoomVersions lists every version in ascending order.
func SupportedRoomVersions() []RoomVersion {
	return []RoomVersion{RoomV6, RoomV7, RoomV8, RoomV9, RoomV10, RoomV11}
}
