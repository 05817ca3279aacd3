package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/testutil"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// toLimbo wraps chain ops as freshly admitted limbo rows.
func toLimbo(t *testing.T, ops []ir.ChainOp, fromNetwork bool) []LimboOp {
	t.Helper()
	out := make([]LimboOp, 0, len(ops))
	for _, c := range testutil.Claim(t, ops) {
		l, err := NewLimboOp(c.Hash, c.Op, fromNetwork, testutil.StartTime)
		require.NoError(t, err)
		out = append(out, l)
	}
	return out
}

// admitAndDecide inserts ops into limbo and drives them to
// awaiting_integration with the given outcomes. Returns the refreshed rows.
func admitAndDecide(t *testing.T, s *Store, ops []LimboOp, sys, app Outcome) []LimboOp {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertLimbo(ctx, ops))
	out := make([]LimboOp, 0, len(ops))
	for _, l := range ops {
		require.NoError(t, s.SetSysOutcome(ctx, l.Hash, sys, "", false))
		if sys == OutcomeValid {
			require.NoError(t, s.SetAppOutcome(ctx, l.Hash, app, ""))
		}
		got, err := s.GetLimboOp(ctx, l.Hash)
		require.NoError(t, err)
		out = append(out, got)
	}
	return out
}
