package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "Create only"
events:
  - label: create
    type: m.room.create
    sender: "@alice:a.org"
    state_key: ""
    content: { creator: "@alice:a.org", room_version: "10" }
assertions:
  - type: state
    key: "m.room.create"
    label: create
`

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/ban_races_message.yaml")
	require.NoError(t, err)
	assert.Equal(t, "ban_races_message", s.Name)
	assert.Equal(t, "10", s.Version)
	require.Len(t, s.Events, 8)
	assert.Equal(t, []string{"ban_bob", "msg_bob"}, s.Events[7].Prev)
	require.NotNil(t, s.Events[0].StateKey)
	assert.Equal(t, "", *s.Events[0].StateKey)
	assert.Nil(t, s.Events[6].StateKey)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParseScenarioMinimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	assert.Zero(t, s.Permutations)
	assert.Empty(t, s.Deliver)
}

func TestParseScenarioRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": minimalScenario + "assertion: []\n",
		"no name": `
description: d
events: [{label: a, type: t, sender: "@a:a.org"}]
assertions: [{type: accepted, label: a}]`,
		"forward reference": `
name: n
description: d
events:
  - {label: a, type: t, sender: "@a:a.org", prev: [b]}
  - {label: b, type: t, sender: "@a:a.org"}
assertions: [{type: accepted, label: a}]`,
		"duplicate label": `
name: n
description: d
events:
  - {label: a, type: t, sender: "@a:a.org"}
  - {label: a, type: t, sender: "@a:a.org"}
assertions: [{type: accepted, label: a}]`,
		"bad sender": `
name: n
description: d
events: [{label: a, type: t, sender: "alice"}]
assertions: [{type: accepted, label: a}]`,
		"unknown deliver label": `
name: n
description: d
events: [{label: a, type: t, sender: "@a:a.org"}]
deliver: [b]
assertions: [{type: accepted, label: a}]`,
		"unknown assertion": `
name: n
description: d
events: [{label: a, type: t, sender: "@a:a.org"}]
assertions: [{type: final_state, label: a}]`,
		"state without key": `
name: n
description: d
events: [{label: a, type: t, sender: "@a:a.org"}]
assertions: [{type: state, label: a}]`,
		"bad version": `
name: n
description: d
version: "1"
events: [{label: a, type: t, sender: "@a:a.org"}]
assertions: [{type: accepted, label: a}]`,
		"name with slash": `
name: a/b
description: d
events: [{label: a, type: t, sender: "@a:a.org"}]
assertions: [{type: accepted, label: a}]`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestScenarioFilesParse(t *testing.T) {
	entries, err := os.ReadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		_, err := LoadScenario(filepath.Join("testdata/scenarios", e.Name()))
		assert.NoError(t, err, e.Name())
	}
}
