package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/testutil"
)

func TestInsertLimboStoresActionAndEntry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	alice := testutil.NewAgent(t, "alice")
	alice.Genesis(t)
	sa, entry := alice.CreateApp(t, []byte("0123456789"), ir.Public)
	ops := testutil.Ops(t, ir.TransformInput{Action: sa, Entry: &entry})
	limbo := toLimbo(t, ops, true)

	require.NoError(t, s.InsertLimbo(ctx, limbo))

	for _, l := range limbo {
		presence, err := s.OpPresence(ctx, l.Hash)
		require.NoError(t, err)
		assert.Equal(t, OpInLimbo, presence)

		got, err := s.GetLimboOp(ctx, l.Hash)
		require.NoError(t, err)
		assert.Equal(t, StagePendingSys, got.Stage)
		assert.Equal(t, OutcomeUnset, got.SysOutcome)
		assert.Equal(t, OutcomeUnset, got.AppOutcome)
		assert.True(t, got.RequireReceipt)
		assert.Equal(t, l.Kind, got.Kind)
	}

	ah, err := sa.Hash()
	require.NoError(t, err)
	stored, err := s.LookupAction(ctx, ah)
	require.NoError(t, err)
	assert.Equal(t, sa.Action, stored.Action.Action)
	assert.Empty(t, stored.Validity, "no verdict before integration")

	got, err := s.LookupEntry(ctx, sa.Action.EntryHash)
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	_, err = s.GetRecord(ctx, ah)
	assert.ErrorIs(t, err, ErrNotFound, "unintegrated records are not served")
}

func TestInsertLimboIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	alice := testutil.NewAgent(t, "alice")
	genesis, _ := alice.Genesis(t)
	limbo := toLimbo(t, testutil.Ops(t, ir.TransformInput{Action: genesis[0]}), false)

	require.NoError(t, s.InsertLimbo(ctx, limbo))
	require.NoError(t, s.InsertLimbo(ctx, limbo))

	all, err := s.ListLimbo(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPendingSysOrdering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	alice := testutil.NewAgent(t, "alice")
	genesis, _ := alice.Genesis(t)

	var limbo []LimboOp
	for i := len(genesis) - 1; i >= 0; i-- {
		limbo = append(limbo, toLimbo(t, testutil.Ops(t, ir.TransformInput{Action: genesis[i]}), true)[0])
	}
	require.NoError(t, s.InsertLimbo(ctx, limbo))

	// Retried ops sort after fresh ones regardless of chain position.
	require.NoError(t, s.RecordAttempt(ctx, limbo[2].Hash, testutil.StartTime+1))

	pending, err := s.PendingSys(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, uint32(1), pending[0].ActionSeq)
	assert.Equal(t, uint32(2), pending[1].ActionSeq)
	assert.Equal(t, uint32(0), pending[2].ActionSeq)
	assert.Equal(t, 1, pending[2].NumAttempts)
	assert.Equal(t, testutil.StartTime+1, pending[2].LastAttempt)

	limited, err := s.PendingSys(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStageTransitions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	alice := testutil.NewAgent(t, "alice")
	sa, entry := alice.CreateApp(t, []byte("x"), ir.Public)
	limbo := toLimbo(t, testutil.Ops(t, ir.TransformInput{Action: sa, Entry: &entry}), false)
	require.NoError(t, s.InsertLimbo(ctx, limbo))

	valid, rejected, warrantLike := limbo[0].Hash, limbo[1].Hash, limbo[2].Hash

	t.Run("sys valid advances to pending_app", func(t *testing.T) {
		require.NoError(t, s.SetSysOutcome(ctx, valid, OutcomeValid, "", false))
		got, err := s.GetLimboOp(ctx, valid)
		require.NoError(t, err)
		assert.Equal(t, StagePendingApp, got.Stage)

		app, err := s.PendingApp(ctx, 10)
		require.NoError(t, err)
		require.Len(t, app, 1)
		assert.Equal(t, valid, app[0].Hash)
	})

	t.Run("sys rejected is terminal", func(t *testing.T) {
		require.NoError(t, s.SetSysOutcome(ctx, rejected, OutcomeRejected, "bad prev", false))
		got, err := s.GetLimboOp(ctx, rejected)
		require.NoError(t, err)
		assert.Equal(t, StageAwaitingIntegration, got.Stage)
		assert.Equal(t, "bad prev", got.SysReason)
		assert.True(t, got.ReadyToIntegrate())
		assert.Equal(t, ir.StatusRejected, got.ValidationStatus())

		err = s.SetSysOutcome(ctx, rejected, OutcomeValid, "", false)
		assert.ErrorIs(t, err, ErrNotFound, "outcome cannot be overwritten")
	})

	t.Run("skip app sets both outcomes", func(t *testing.T) {
		require.NoError(t, s.SetSysOutcome(ctx, warrantLike, OutcomeValid, "", true))
		got, err := s.GetLimboOp(ctx, warrantLike)
		require.NoError(t, err)
		assert.Equal(t, StageAwaitingIntegration, got.Stage)
		assert.Equal(t, OutcomeValid, got.AppOutcome)
	})

	t.Run("app outcome", func(t *testing.T) {
		require.NoError(t, s.SetAppOutcome(ctx, valid, OutcomeValid, ""))
		ready, err := s.AwaitingIntegration(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, ready, 3)
	})

	t.Run("invalid outcome", func(t *testing.T) {
		assert.Error(t, s.SetAppOutcome(ctx, valid, OutcomeUnset, ""))
		assert.Error(t, s.SetSysOutcome(ctx, valid, "maybe", "", false))
	})
}
