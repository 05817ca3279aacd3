package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// ErrLockHeld is returned when an agent's chain is locked for another
// subject that has not expired.
var ErrLockHeld = errors.New("chain lock held")

// ChainLock is an agent's lock row.
type ChainLock struct {
	Agent     ir.AgentKey
	Subject   string
	ExpiresAt ir.Timestamp
}

// AcquireChainLock takes the agent's single lock slot for subject.
// Re-acquiring for the same subject extends the expiry. An expired lock
// for any subject is replaced.
func (s *Store) AcquireChainLock(ctx context.Context, agent ir.AgentKey, subject string, expiresAt, now ir.Timestamp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("acquire chain lock: begin tx: %w", err)
	}
	defer tx.Rollback()

	current, found, err := chainLockTx(ctx, tx, agent)
	if err != nil {
		return err
	}
	if found && current.Subject != subject && current.ExpiresAt > now {
		return ErrLockHeld
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chain_locks (agent, subject, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET subject = excluded.subject, expires_at = excluded.expires_at
	`, string(agent), subject, int64(expiresAt))
	if err != nil {
		return fmt.Errorf("acquire chain lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("acquire chain lock: commit: %w", err)
	}
	return nil
}

// ReleaseChainLock removes the lock if it is held for subject.
// Releasing a lock held for another subject is a no-op.
func (s *Store) ReleaseChainLock(ctx context.Context, agent ir.AgentKey, subject string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM chain_locks WHERE agent = ? AND subject = ?
	`, string(agent), subject)
	if err != nil {
		return fmt.Errorf("release chain lock: %w", err)
	}
	return nil
}

// GetChainLock returns the agent's lock row, expired or not.
func (s *Store) GetChainLock(ctx context.Context, agent ir.AgentKey) (ChainLock, bool, error) {
	var (
		l       ChainLock
		subject string
		expires int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT subject, expires_at FROM chain_locks WHERE agent = ?
	`, string(agent)).Scan(&subject, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainLock{}, false, nil
	}
	if err != nil {
		return ChainLock{}, false, fmt.Errorf("get chain lock: %w", err)
	}
	l.Agent = agent
	l.Subject = subject
	l.ExpiresAt = ir.Timestamp(expires)
	return l, true, nil
}

func chainLockTx(ctx context.Context, tx *sql.Tx, agent ir.AgentKey) (ChainLock, bool, error) {
	var (
		subject string
		expires int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT subject, expires_at FROM chain_locks WHERE agent = ?
	`, string(agent)).Scan(&subject, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainLock{}, false, nil
	}
	if err != nil {
		return ChainLock{}, false, fmt.Errorf("get chain lock: %w", err)
	}
	return ChainLock{Agent: agent, Subject: subject, ExpiresAt: ir.Timestamp(expires)}, true, nil
}
