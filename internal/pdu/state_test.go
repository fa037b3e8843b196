package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMapKeysSorted(t *testing.T) {
	m := StateMap{
		MemberKey("@b:x"): MustParseEventID("$2"),
		CreateKey:         MustParseEventID("$1"),
		MemberKey("@a:x"): MustParseEventID("$3"),
		PowerLevelsKey:    MustParseEventID("$1"),
	}

	assert.Equal(t, []StateKey{CreateKey, MemberKey("@a:x"), MemberKey("@b:x"), PowerLevelsKey}, m.Keys())
	assert.Equal(t, []EventID{MustParseEventID("$1"), MustParseEventID("$2"), MustParseEventID("$3")}, m.EventIDs())
}

func TestStateMapCloneIsIndependent(t *testing.T) {
	m := StateMap{CreateKey: MustParseEventID("$1")}
	c := m.Clone()
	c[PowerLevelsKey] = MustParseEventID("$2")

	assert.Len(t, m, 1)
	assert.False(t, m.Equal(c))
	assert.True(t, m.Equal(m.Clone()))
}

func TestStateKeyRoundTrip(t *testing.T) {
	k := MemberKey("@alice:example.org")
	assert.Equal(t, "m.room.member|@alice:example.org", k.String())
	assert.Equal(t, k, ParseStateKey(k.String()))
	assert.Equal(t, CreateKey, ParseStateKey("m.room.create|"))
}

func TestDiffStates(t *testing.T) {
	from := StateMap{
		CreateKey:         MustParseEventID("$c"),
		PowerLevelsKey:    MustParseEventID("$pl1"),
		MemberKey("@a:x"): MustParseEventID("$ma"),
	}
	to := StateMap{
		CreateKey:         MustParseEventID("$c"),
		PowerLevelsKey:    MustParseEventID("$pl2"),
		MemberKey("@b:x"): MustParseEventID("$mb"),
	}

	d := DiffStates(from, to)
	assert.Equal(t, []StateEntry{{Type: TypeMember, StateKey: "@b:x", EventID: MustParseEventID("$mb")}}, d.Added)
	assert.Equal(t, []StateEntry{{Type: TypePowerLevels, EventID: MustParseEventID("$pl2")}}, d.Changed)
	assert.Equal(t, []StateEntry{{Type: TypeMember, StateKey: "@a:x", EventID: MustParseEventID("$ma")}}, d.Removed)
	assert.False(t, d.IsEmpty())
	assert.True(t, DiffStates(to, to).IsEmpty())
}

func TestStateMapEntriesRoundTrip(t *testing.T) {
	m := StateMap{
		CreateKey:         MustParseEventID("$c"),
		MemberKey("@a:x"): MustParseEventID("$ma"),
	}
	assert.True(t, m.Equal(StateMapFromEntries(m.Entries())))
}
