package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConsumer starts c and returns a stop func that waits for Run to exit.
func runConsumer(t *testing.T, c *Consumer) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
}

func TestConsumer_RunsAtStart(t *testing.T) {
	var calls atomic.Int64
	c := NewConsumer("sys", NewTrigger("sys"), func(context.Context) (WorkResult, error) {
		calls.Add(1)
		return WorkResult{}, nil
	})

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestConsumer_RunsOnTrigger(t *testing.T) {
	tr := NewTrigger("app")
	var calls atomic.Int64
	c := NewConsumer("app", tr, func(context.Context) (WorkResult, error) {
		calls.Add(1)
		return WorkResult{}, nil
	})

	stop := runConsumer(t, c)
	defer stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	tr.Fire()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestConsumer_MoreRunsAgain(t *testing.T) {
	var calls atomic.Int64
	c := NewConsumer("integrate", NewTrigger("integrate"), func(context.Context) (WorkResult, error) {
		n := calls.Add(1)
		return WorkResult{More: n < 3}, nil
	})

	stop := runConsumer(t, c)
	defer stop()

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(3), calls.Load(), "stops once the backlog is drained")
}

func TestConsumer_ProgressFiresDownstream(t *testing.T) {
	down := NewTrigger("downstream")
	c := NewConsumer("sys", NewTrigger("sys"), func(context.Context) (WorkResult, error) {
		return WorkResult{Progressed: true}, nil
	}, WithDownstream(down))

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, down.Pending())
	assert.Equal(t, int64(1), c.Runs())
}

func TestConsumer_RetryAfter(t *testing.T) {
	var calls atomic.Int64
	c := NewConsumer("sys", NewTrigger("sys"), func(context.Context) (WorkResult, error) {
		n := calls.Add(1)
		if n == 1 {
			return WorkResult{RetryAfter: 20 * time.Millisecond}, nil
		}
		return WorkResult{}, nil
	})

	stop := runConsumer(t, c)
	defer stop()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestConsumer_ErrorBackoff(t *testing.T) {
	var calls atomic.Int64
	c := NewConsumer("publish", NewTrigger("publish"), func(context.Context) (WorkResult, error) {
		if calls.Add(1) == 1 {
			return WorkResult{Progressed: true}, errors.New("database is locked")
		}
		return WorkResult{}, nil
	}, WithErrorBackoff(10*time.Millisecond), WithDownstream(NewTrigger("unused")))

	stop := runConsumer(t, c)
	defer stop()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestConsumer_StopsWhenTriggerClosed(t *testing.T) {
	tr := NewTrigger("sys")
	c := NewConsumer("sys", tr, func(context.Context) (WorkResult, error) {
		return WorkResult{}, nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return c.Runs() >= 1 }, time.Second, 5*time.Millisecond)
	tr.Close()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after Close")
	}
}

func TestRunAll_CancelIsClean(t *testing.T) {
	noop := func(context.Context) (WorkResult, error) { return WorkResult{}, nil }
	a := NewConsumer("a", NewTrigger("a"), noop)
	b := NewConsumer("b", NewTrigger("b"), noop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunAll(ctx, a, b) }()

	require.Eventually(t, func() bool { return a.Runs() >= 1 && b.Runs() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunAll did not return")
	}
}
