// Package harness runs room scenarios through the federation pipeline and
// checks that every delivery order converges on the same room.
//
// # Scenario Format
//
// Scenarios are YAML files. Events are named by label and reference each
// other by label; the harness builds, hashes and signs them with
// deterministic per-server test keys.
//
//	name: ban_races_message
//	description: "A ban wins over a concurrent message"
//	version: "10"
//	events:
//	  - label: create
//	    type: m.room.create
//	    sender: "@alice:a.org"
//	    state_key: ""
//	    content: { room_version: "10" }
//	  - label: alice_join
//	    type: m.room.member
//	    sender: "@alice:a.org"
//	    state_key: "@alice:a.org"
//	    content: { membership: join }
//	    prev: [create]
//	    auth: [create]
//	deliver: [alice_join, create]
//	permutations: 24
//	assertions:
//	  - type: state
//	    key: "m.room.member|@alice:a.org"
//	    label: alice_join
//	  - type: rejected
//	    label: spam
//
// Events missing from deliver are never pushed; each server serves the
// events its users sent, so they are reached by ancestor fetching.
//
// # Assertion Types
//
//   - state: the state key resolves to the labelled event
//   - state_absent: the state key is not in the current state
//   - accepted: the labelled event is stored and not rejected
//   - rejected: the labelled event is stored as rejected
//   - extremities: the forward extremities are exactly the labels
//
// # Convergence
//
// Run replays the delivery list in up to Permutations different orders
// (Heap's algorithm, deterministic), each against a fresh in-memory store,
// and fails when any order ends with different current state,
// extremities or rejected set than the listed order.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/ban.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
package harness
