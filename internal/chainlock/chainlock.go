// Package chainlock guards an agent's source chain while a countersigned
// action is being negotiated.
//
// Each agent has a single lock slot {subject, expires_at}. While a live
// lock exists for one subject, appends for any other subject are refused.
// An expired lock is treated as free and may be taken over.
package chainlock

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/dhtcore/internal/ir"
)

// ErrLocked is returned when the chain is locked for another subject.
var ErrLocked = errors.New("chain locked")

// DefaultPollInterval is how often Wait retries.
const DefaultPollInterval = 50 * time.Millisecond

// Locker is a per-agent chain lock.
type Locker interface {
	// Acquire takes the lock for subject until expiresAt. Re-acquiring for
	// the same subject extends the expiry. Returns ErrLocked if another
	// live subject holds it.
	Acquire(ctx context.Context, agent ir.AgentKey, subject string, expiresAt ir.Timestamp) error
	// Release drops the lock if it is held for subject.
	Release(ctx context.Context, agent ir.AgentKey, subject string) error
	// IsLocked reports whether a live lock for a subject other than
	// subject exists. Pass an empty subject to ask whether any live lock
	// exists.
	IsLocked(ctx context.Context, agent ir.AgentKey, subject string) (bool, error)
}

// Wait polls Acquire until it succeeds, fails with an error other than
// ErrLocked, or ctx is done.
func Wait(ctx context.Context, l Locker, agent ir.AgentKey, subject string, expiresAt ir.Timestamp, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := l.Acquire(ctx, agent, subject, expiresAt)
		if !errors.Is(err, ErrLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
