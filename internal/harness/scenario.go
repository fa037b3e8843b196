package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/roomgraph/internal/pdu"
)

// DefaultPermutations bounds the delivery orders checked when a scenario
// does not say.
const DefaultPermutations = 24

// Scenario defines a room history, the order events are delivered in and
// the expected outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Version is the room version. Default: pdu.DefaultRoomVersion.
	Version string `yaml:"version,omitempty"`

	// RoomID defaults to "!scenario:<server of the first sender>".
	RoomID string `yaml:"room_id,omitempty"`

	Events []EventStep `yaml:"events"`

	// Deliver lists the labels pushed to the pipeline, in order. Default:
	// every event in listed order.
	Deliver []string `yaml:"deliver,omitempty"`

	// Permutations is the number of delivery orders to check. 1 checks
	// only the listed order. Default: DefaultPermutations.
	Permutations int `yaml:"permutations,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// EventStep describes one event. prev and auth name earlier labels.
type EventStep struct {
	Label    string         `yaml:"label"`
	Type     string         `yaml:"type"`
	Sender   string         `yaml:"sender"`
	StateKey *string        `yaml:"state_key,omitempty"`
	Content  map[string]any `yaml:"content,omitempty"`
	Prev     []string       `yaml:"prev,omitempty"`
	Auth     []string       `yaml:"auth,omitempty"`
	// TS overrides origin_server_ts. Default: 1000 per listed position.
	TS int64 `yaml:"ts,omitempty"`
}

// Assertion checks the converged room.
type Assertion struct {
	Type string `yaml:"type"`

	// Key is a state key written "type|state_key" (used by state and
	// state_absent). A bare type means an empty state_key.
	Key string `yaml:"key,omitempty"`

	// Label names an event (used by state, accepted and rejected).
	Label string `yaml:"label,omitempty"`

	// Labels is the expected extremity set (used by extremities).
	Labels []string `yaml:"labels,omitempty"`
}

// Assertion type constants.
const (
	AssertState       = "state"
	AssertStateAbsent = "state_absent"
	AssertAccepted    = "accepted"
	AssertRejected    = "rejected"
	AssertExtremities = "extremities"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is inconsistent.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// stateKey parses an assertion key.
func (a Assertion) stateKey() pdu.StateKey {
	return pdu.ParseStateKey(a.Key)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\ `) {
		return fmt.Errorf("name %q must be usable as a file name", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Permutations < 0 {
		return fmt.Errorf("permutations must be non-negative")
	}
	if s.Version != "" {
		if _, err := pdu.LookupRoomVersion(s.Version); err != nil {
			return err
		}
	}
	if s.RoomID != "" {
		if _, err := pdu.ParseRoomID(s.RoomID); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(s.Events))
	for i, ev := range s.Events {
		if ev.Label == "" {
			return fmt.Errorf("events[%d]: label is required", i)
		}
		if seen[ev.Label] {
			return fmt.Errorf("events[%d]: duplicate label %q", i, ev.Label)
		}
		if ev.Type == "" {
			return fmt.Errorf("events[%d]: type is required", i)
		}
		if _, err := pdu.ParseUserID(ev.Sender); err != nil {
			return fmt.Errorf("events[%d]: sender: %w", i, err)
		}
		for _, ref := range append(append([]string{}, ev.Prev...), ev.Auth...) {
			if !seen[ref] {
				return fmt.Errorf("events[%d]: %q references %q, which is not an earlier event", i, ev.Label, ref)
			}
		}
		seen[ev.Label] = true
	}

	for i, label := range s.Deliver {
		if !seen[label] {
			return fmt.Errorf("deliver[%d]: unknown label %q", i, label)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, labels map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertState, AssertStateAbsent:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for %s", index, a.Type)
		}
		if a.Type == AssertState && !labels[a.Label] {
			return fmt.Errorf("assertions[%d]: unknown label %q", index, a.Label)
		}
	case AssertAccepted, AssertRejected:
		if !labels[a.Label] {
			return fmt.Errorf("assertions[%d]: unknown label %q", index, a.Label)
		}
	case AssertExtremities:
		if len(a.Labels) == 0 {
			return fmt.Errorf("assertions[%d]: labels list is required for extremities", index)
		}
		for _, l := range a.Labels {
			if !labels[l] {
				return fmt.Errorf("assertions[%d]: unknown label %q", index, l)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
