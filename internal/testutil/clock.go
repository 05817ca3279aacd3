package testutil

import (
	"sync"
	"time"

	"github.com/roach88/dhtcore/internal/ir"
)

// StartTime is the first timestamp handed out by ManualClock.
const StartTime ir.Timestamp = 1_700_000_000_000_000

// ManualClock is a thread-safe clock for tests that only moves when told.
//
// It satisfies engine.Clock. Tests advance it explicitly so publish
// intervals and lock expiries are deterministic.
type ManualClock struct {
	mu  sync.Mutex
	now ir.Timestamp
}

// NewManualClock creates a clock reading StartTime.
func NewManualClock() *ManualClock {
	return &ManualClock{now: StartTime}
}

// Now returns the current reading.
func (c *ManualClock) Now() ir.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *ManualClock) Advance(d time.Duration) ir.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ir.Timestamp(d.Microseconds())
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t ir.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Reset returns the clock to StartTime.
func (c *ManualClock) Reset() {
	c.Set(StartTime)
}
