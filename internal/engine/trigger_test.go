package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrigger_FireCoalesces(t *testing.T) {
	tr := NewTrigger("sys")

	for i := 0; i < 10; i++ {
		require.True(t, tr.Fire())
	}
	assert.True(t, tr.Pending())

	select {
	case <-tr.Wait():
	default:
		t.Fatal("expected a pending signal")
	}

	select {
	case <-tr.Wait():
		t.Fatal("ten fires must collapse into one wake-up")
	default:
	}
	assert.False(t, tr.Pending())
}

func TestTrigger_CloseWakesWaiter(t *testing.T) {
	tr := NewTrigger("app")

	done := make(chan bool)
	go func() {
		_, ok := <-tr.Wait()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	assert.False(t, tr.Fire(), "fire after close reports false")
	tr.Close()
}

func TestTrigger_ConcurrentFire(t *testing.T) {
	tr := NewTrigger("integrate")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Fire()
		}()
	}
	wg.Wait()

	assert.Len(t, tr.signal, 1)
}

func TestTriggers_FireAll(t *testing.T) {
	a, b := NewTrigger("a"), NewTrigger("b")
	Triggers{a, b}.Fire()
	assert.True(t, a.Pending())
	assert.True(t, b.Pending())
}
