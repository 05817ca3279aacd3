package engine

import (
	"sync/atomic"
	"time"

	"github.com/roach88/dhtcore/internal/ir"
)

// Clock supplies the timestamps workflows stamp on limbo rows, publish
// times and lock expiries.
//
// Workflows never read the wall clock directly so tests can drive time
// explicitly (see testutil.ManualClock).
type Clock interface {
	Now() ir.Timestamp
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time in microseconds.
func (SystemClock) Now() ir.Timestamp {
	return ir.TimestampFrom(time.Now())
}

// MonotonicClock wraps a Clock so consecutive readings never go backwards.
//
// Authoring requires timestamps that do not decrease along a chain. A wall
// clock stepped back by NTP would otherwise produce actions that fail
// structural validation.
//
// Thread-safety: MonotonicClock is safe for concurrent use.
type MonotonicClock struct {
	base Clock
	last atomic.Int64
}

// NewMonotonicClock wraps base.
func NewMonotonicClock(base Clock) *MonotonicClock {
	return &MonotonicClock{base: base}
}

// Now returns max(base.Now(), previous reading).
func (c *MonotonicClock) Now() ir.Timestamp {
	now := int64(c.base.Now())
	for {
		last := c.last.Load()
		if now <= last {
			return ir.Timestamp(last)
		}
		if c.last.CompareAndSwap(last, now) {
			return ir.Timestamp(now)
		}
	}
}
