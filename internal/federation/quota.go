package federation

import (
	"fmt"
	"sync"
	"time"

	"github.com/roach88/roomgraph/internal/pdu"
)

// fetchBudget bounds the ancestor fetch for one incoming event.
//
// Two limits apply, mirroring the two ways a hostile graph amplifies work:
//   - depth: a long chain of single missing parents
//   - events: a wide frontier of many missing parents
//
// Together they bound the number of fetch attempts regardless of graph
// shape.
type fetchBudget struct {
	maxDepth  int
	maxEvents int
	fetched   int
}

// fetchLimitError reports the limit an ancestor fetch exceeded.
type fetchLimitError struct {
	Limit string
	Max   int
}

func (e *fetchLimitError) Error() string {
	return fmt.Sprintf("missing ancestor %s exceeds %d", e.Limit, e.Max)
}

func (b *fetchBudget) checkDepth(depth int) error {
	if depth > b.maxDepth {
		return &fetchLimitError{Limit: "depth", Max: b.maxDepth}
	}
	return nil
}

// take reserves n more fetches.
func (b *fetchBudget) take(n int) error {
	if b.fetched+n > b.maxEvents {
		return &fetchLimitError{Limit: "count", Max: b.maxEvents}
	}
	b.fetched += n
	return nil
}

// MaxServerBackoff caps the time a failing server is skipped.
const MaxServerBackoff = 24 * time.Hour

// serverHealth tracks failing servers. A server that failed n times in a
// row is skipped until min(base*n*n, MaxServerBackoff) has passed since
// its last failure.
type serverHealth struct {
	mu       sync.Mutex
	base     time.Duration
	failures map[pdu.ServerName]serverFailures
}

type serverFailures struct {
	count int
	last  time.Time
}

func newServerHealth(base time.Duration) *serverHealth {
	return &serverHealth{base: base, failures: make(map[pdu.ServerName]serverFailures)}
}

func (h *serverHealth) backoff(n int) time.Duration {
	d := h.base * time.Duration(n) * time.Duration(n)
	if d > MaxServerBackoff || d < 0 {
		return MaxServerBackoff
	}
	return d
}

// available reports whether server may be contacted at now.
func (h *serverHealth) available(server pdu.ServerName, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.failures[server]
	if !ok {
		return true
	}
	return !now.Before(f.last.Add(h.backoff(f.count)))
}

func (h *serverHealth) recordFailure(server pdu.ServerName, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.failures[server]
	f.count++
	f.last = now
	h.failures[server] = f
}

func (h *serverHealth) recordSuccess(server pdu.ServerName) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, server)
}
