package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/testutil"
)

func TestChainLock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	agent := testutil.NewAgent(t, "alice").Key()
	now := testutil.StartTime

	require.NoError(t, s.AcquireChainLock(ctx, agent, "session-1", now+100, now))

	err := s.AcquireChainLock(ctx, agent, "session-2", now+100, now)
	assert.ErrorIs(t, err, ErrLockHeld)

	// Same subject extends.
	require.NoError(t, s.AcquireChainLock(ctx, agent, "session-1", now+200, now+50))
	lock, found, err := s.GetChainLock(ctx, agent)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, now+200, lock.ExpiresAt)

	// Releasing another subject's lock is a no-op.
	require.NoError(t, s.ReleaseChainLock(ctx, agent, "session-2"))
	_, found, err = s.GetChainLock(ctx, agent)
	require.NoError(t, err)
	assert.True(t, found)

	// Expired locks are replaced.
	require.NoError(t, s.AcquireChainLock(ctx, agent, "session-2", now+400, now+300))
	lock, _, err = s.GetChainLock(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, "session-2", lock.Subject)

	require.NoError(t, s.ReleaseChainLock(ctx, agent, "session-2"))
	_, found, err = s.GetChainLock(ctx, agent)
	require.NoError(t, err)
	assert.False(t, found)
}
