package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the converged room to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	State    map[string]string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nCurrent state:\n")
	keys := make([]string, 0, len(e.State))
	for k := range e.State {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "  %s = %s\n", k, e.State[k])
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, State: result.State}
	}

	switch a.Type {
	case AssertState:
		key := a.stateKey().String()
		got, ok := result.State[key]
		if !ok {
			return fail(fmt.Sprintf("%s = %s", key, a.Label), "key absent")
		}
		if got != a.Label {
			return fail(fmt.Sprintf("%s = %s", key, a.Label), fmt.Sprintf("%s = %s", key, got))
		}
	case AssertStateAbsent:
		key := a.stateKey().String()
		if got, ok := result.State[key]; ok {
			return fail(key+" absent", fmt.Sprintf("%s = %s", key, got))
		}
	case AssertAccepted:
		if !slices.Contains(result.Accepted, a.Label) {
			return fail(a.Label+" accepted", outcomeOf(result, a.Label))
		}
	case AssertRejected:
		if !slices.Contains(result.Rejected, a.Label) {
			return fail(a.Label+" rejected", outcomeOf(result, a.Label))
		}
	case AssertExtremities:
		want := slices.Clone(a.Labels)
		slices.Sort(want)
		if !slices.Equal(want, result.Extremities) {
			return fail(fmt.Sprintf("extremities %v", want), fmt.Sprintf("extremities %v", result.Extremities))
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func outcomeOf(result *Result, label string) string {
	switch {
	case slices.Contains(result.Accepted, label):
		return label + " accepted"
	case slices.Contains(result.Rejected, label):
		return label + " rejected"
	default:
		return label + " not stored"
	}
}
