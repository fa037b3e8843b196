package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/roomgraph/internal/pdu"
)

// Snapshot is the converged room of a scenario, serialized for golden
// comparison. Event IDs are replaced by labels so the file reads like the
// scenario.
type Snapshot struct {
	ScenarioName string
	Result       *Result
}

func (s *Snapshot) toCanonicalMap() map[string]any {
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"orders":        s.Result.Orders,
		"state":         s.Result.State,
		"extremities":   s.Result.Extremities,
		"accepted":      s.Result.Accepted,
		"rejected":      s.Result.Rejected,
		"stages":        s.Result.Stages,
	}
}

// MarshalSnapshot renders a result as canonical JSON.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := Snapshot{ScenarioName: name, Result: result}
	return pdu.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden runs a scenario and compares the converged room against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if the scenario cannot run or does not pass. A golden
// mismatch fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	if !result.Pass {
		return fmt.Errorf("scenario %s failed:\n%s", scenario.Name, strings.Join(result.Errors, "\n"))
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
