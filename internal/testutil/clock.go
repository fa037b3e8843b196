package testutil

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced wall clock for tests.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{start: start, now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its start time.
func (c *FakeClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}

// Timestamps hands out strictly increasing origin_server_ts values in
// milliseconds so fixtures are reproducible.
type Timestamps struct {
	mu  sync.Mutex
	cur int64
}

// NewTimestamps starts the sequence after base.
func NewTimestamps(base int64) *Timestamps {
	return &Timestamps{cur: base}
}

// Next returns the next timestamp.
func (t *Timestamps) Next() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur++
	return t.cur
}
