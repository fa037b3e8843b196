package stateres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/roomgraph/internal/pdu"
)

// IncompleteError reports events that resolution needed but could not load.
type IncompleteError struct {
	Missing []pdu.EventID
}

func (e *IncompleteError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = id.String()
	}
	return fmt.Sprintf("state resolution incomplete: %d missing events: %s", len(e.Missing), strings.Join(ids, ", "))
}

// IsIncomplete reports whether err is an IncompleteError and returns the
// missing IDs.
func IsIncomplete(err error) ([]pdu.EventID, bool) {
	var ie *IncompleteError
	if errors.As(err, &ie) {
		return ie.Missing, true
	}
	return nil, false
}

// CycleError reports an auth_events cycle among the events being ordered.
// Honest servers cannot produce one; it indicates a hostile graph.
type CycleError struct {
	Events []pdu.EventID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("auth_events cycle among %d events", len(e.Events))
}

// ErrChainTooLarge is returned when an auth chain exceeds the configured
// bound.
var ErrChainTooLarge = errors.New("auth chain too large")
