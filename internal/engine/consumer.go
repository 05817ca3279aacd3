package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultErrorBackoff is how long a consumer waits before re-running a
// workflow whose last run failed.
const DefaultErrorBackoff = time.Second

// WorkResult reports what one workflow run achieved.
type WorkResult struct {
	// Progressed is set when the run changed state that downstream
	// workflows consume. Downstream triggers are fired.
	Progressed bool

	// More is set when the run stopped at its batch limit. The consumer
	// runs again immediately.
	More bool

	// RetryAfter schedules a re-run for ops left waiting on dependencies
	// or intervals. Zero means wait for the next trigger.
	RetryAfter time.Duration
}

// WorkFunc is one pass over a workflow's backlog.
// It must re-query the backlog from the store on every call.
type WorkFunc func(ctx context.Context) (WorkResult, error)

// Consumer runs one workflow in its own goroutine.
//
// A run happens:
//   - once at start (picks up backlog left by a previous process)
//   - whenever the trigger fires
//   - when a requested RetryAfter elapses
//   - after an error, once the error back-off elapses
//
// ERROR HANDLING: a failed run is logged and retried after the back-off.
// Rows stay in the store, so nothing is lost between attempts.
type Consumer struct {
	name         string
	trigger      *Trigger
	work         WorkFunc
	downstream   Triggers
	errorBackoff time.Duration
	log          *slog.Logger
	runs         atomic.Int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDownstream sets the triggers fired after a run that progressed.
func WithDownstream(ts ...*Trigger) ConsumerOption {
	return func(c *Consumer) {
		c.downstream = append(c.downstream, ts...)
	}
}

// WithErrorBackoff overrides DefaultErrorBackoff.
func WithErrorBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.errorBackoff = d
	}
}

// WithLogger sets the consumer's logger.
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.log = l
	}
}

// NewConsumer creates a consumer for work, woken by trigger.
func NewConsumer(name string, trigger *Trigger, work WorkFunc, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:         name,
		trigger:      trigger,
		work:         work,
		errorBackoff: DefaultErrorBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default().With("component", "consumer", "workflow", name)
	}
	return c
}

// Name returns the workflow name.
func (c *Consumer) Name() string {
	return c.name
}

// Runs returns how many times the workflow has run.
func (c *Consumer) Runs() int64 {
	return c.runs.Load()
}

// RunOnce performs a single pass and fires downstream triggers on progress.
// Used by Run and by callers that drive the pipeline synchronously.
func (c *Consumer) RunOnce(ctx context.Context) (WorkResult, error) {
	c.runs.Add(1)
	res, err := c.work(ctx)
	if err != nil {
		return res, err
	}
	if res.Progressed {
		c.downstream.Fire()
	}
	return res, nil
}

// Run loops until ctx is cancelled or the trigger is closed.
// CRITICAL: Must be called from exactly ONE goroutine per consumer.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer starting")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopping: context cancelled")
			return ctx.Err()
		case _, ok := <-c.trigger.Wait():
			if !ok {
				c.log.Info("consumer stopping: trigger closed")
				return nil
			}
		case <-timer.C:
		}

		res, err := c.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("workflow run failed", "error", err, "retry_in", c.errorBackoff)
			timer.Reset(c.errorBackoff)
		case res.More:
			c.trigger.Fire()
		case res.RetryAfter > 0:
			c.log.Debug("workflow waiting", "retry_in", res.RetryAfter)
			timer.Reset(res.RetryAfter)
		}
	}
}

// RunAll runs every consumer until ctx is cancelled or one of them fails.
// A consumer returning nil (trigger closed) does not stop the others.
func RunAll(ctx context.Context, consumers ...*Consumer) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
