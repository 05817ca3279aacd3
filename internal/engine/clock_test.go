package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/testutil"
)

func TestSystemClock_Now(t *testing.T) {
	before := ir.TimestampFrom(time.Now())
	got := SystemClock{}.Now()
	after := ir.TimestampFrom(time.Now())
	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}

func TestMonotonicClock_NeverGoesBack(t *testing.T) {
	base := testutil.NewManualClock()
	c := NewMonotonicClock(base)

	first := c.Now()
	assert.Equal(t, testutil.StartTime, first)

	base.Set(testutil.StartTime - 1000)
	assert.Equal(t, first, c.Now(), "stepping the base back must not move readings back")

	base.Set(testutil.StartTime + 5)
	assert.Equal(t, testutil.StartTime+5, c.Now())
}

func TestMonotonicClock_ThreadSafe(t *testing.T) {
	c := NewMonotonicClock(SystemClock{})
	const goroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := c.Now()
			for j := 0; j < 100; j++ {
				next := c.Now()
				assert.GreaterOrEqual(t, next, prev)
				prev = next
			}
		}()
	}
	wg.Wait()
}
