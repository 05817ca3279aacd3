package engine

import "sync"

// Trigger is an edge-level wake-up signal for a workflow consumer.
//
// Firing a trigger any number of times before the consumer looks at it
// results in a single wake-up: the buffer of 1 coalesces signals. The
// consumer always re-queries its full backlog from the store when woken,
// so nothing is lost by coalescing.
//
// Thread-safety: Fire may be called from any goroutine. Wait is read by
// exactly one consumer.
type Trigger struct {
	mu     sync.Mutex
	closed bool
	signal chan struct{} // buffered, size 1
	name   string
}

// NewTrigger creates an open trigger. name is used in logs.
func NewTrigger(name string) *Trigger {
	return &Trigger{
		signal: make(chan struct{}, 1),
		name:   name,
	}
}

// Name returns the trigger's name.
func (t *Trigger) Name() string {
	return t.name
}

// Fire requests a consumer run. Non-blocking.
// Returns false if the trigger is closed.
func (t *Trigger) Fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	select {
	case t.signal <- struct{}{}:
	default:
	}
	return true
}

// Wait returns a channel that receives when the trigger was fired.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case _, ok := <-t.Wait():
//	    // ok is false once closed
//	}
func (t *Trigger) Wait() <-chan struct{} {
	return t.signal
}

// Pending reports whether a fire is waiting to be consumed.
func (t *Trigger) Pending() bool {
	return len(t.signal) > 0
}

// Close stops the trigger. Wakes the consumer by closing the signal
// channel. Safe to call more than once.
func (t *Trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.signal)
}

// Triggers is a fan-out set fired together after a workflow makes progress.
type Triggers []*Trigger

// Fire fires every trigger in the set.
func (ts Triggers) Fire() {
	for _, t := range ts {
		t.Fire()
	}
}
