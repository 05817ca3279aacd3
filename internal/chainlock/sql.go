package chainlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/store"
)

// SQLLocker keeps locks in the store's chain_locks table.
type SQLLocker struct {
	store *store.Store
	clock engine.Clock
}

var _ Locker = (*SQLLocker)(nil)

// NewSQLLocker creates a locker over s. clock decides expiry.
func NewSQLLocker(s *store.Store, clock engine.Clock) *SQLLocker {
	return &SQLLocker{store: s, clock: clock}
}

// Acquire takes the lock.
func (l *SQLLocker) Acquire(ctx context.Context, agent ir.AgentKey, subject string, expiresAt ir.Timestamp) error {
	err := l.store.AcquireChainLock(ctx, agent, subject, expiresAt, l.clock.Now())
	if errors.Is(err, store.ErrLockHeld) {
		return fmt.Errorf("acquire %s: %w", ir.Short(agent), ErrLocked)
	}
	return err
}

// Release drops the lock held for subject.
func (l *SQLLocker) Release(ctx context.Context, agent ir.AgentKey, subject string) error {
	return l.store.ReleaseChainLock(ctx, agent, subject)
}

// IsLocked reports whether another live subject holds the lock.
func (l *SQLLocker) IsLocked(ctx context.Context, agent ir.AgentKey, subject string) (bool, error) {
	lock, found, err := l.store.GetChainLock(ctx, agent)
	if err != nil {
		return false, err
	}
	if !found || lock.ExpiresAt <= l.clock.Now() {
		return false, nil
	}
	return lock.Subject != subject, nil
}
