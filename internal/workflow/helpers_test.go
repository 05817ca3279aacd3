package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/cache"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
	"github.com/roach88/dhtcore/internal/testutil"
)

// testNode is a node over temp-dir storage with a recording transport and
// a manual clock.
type testNode struct {
	*Node
	store     *store.Store
	clock     *testutil.ManualClock
	transport *network.Recorder
	fetcher   *network.RecordSet
}

func newTestNode(t *testing.T, label string, configure ...func(*Config)) *testNode {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	c, err := cache.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	tn := &testNode{
		store:     s,
		clock:     testutil.NewManualClock(),
		transport: &network.Recorder{},
		fetcher:   network.NewRecordSet(),
	}
	cfg := Config{
		Signer:    testutil.NewAgent(t, label).Signer,
		Store:     s,
		Cache:     c,
		Transport: tn.transport,
		Fetcher:   tn.fetcher,
		Clock:     tn.clock,
	}
	for _, f := range configure {
		f(&cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	tn.Node = n
	return tn
}

func (tn *testNode) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, tn.Drain(context.Background()))
}

// receive admits ops as if published by another node.
func (tn *testNode) receive(t *testing.T, ops []ir.ChainOp) {
	t.Helper()
	require.NoError(t, tn.HandleOps(context.Background(), testutil.Claim(t, ops)))
}

// remoteChain authors genesis for a remote agent and returns its ops.
func remoteChain(t *testing.T, agent *testutil.Agent) []ir.ChainOp {
	t.Helper()
	actions, agentEntry := agent.Genesis(t)
	var ops []ir.ChainOp
	for _, sa := range actions {
		in := ir.TransformInput{Action: sa}
		if sa.Action.Kind == ir.ActionCreate {
			in.Entry = &agentEntry
		}
		ops = append(ops, testutil.Ops(t, in)...)
	}
	return ops
}

func actionHash(t *testing.T, sa ir.SignedAction) ir.ActionHash {
	t.Helper()
	h, err := sa.Hash()
	require.NoError(t, err)
	return h
}

func opHash(t *testing.T, op ir.ChainOp) ir.OpHash {
	t.Helper()
	h, err := op.Hash()
	require.NoError(t, err)
	return h
}

func publicApp() ir.EntryType {
	return ir.EntryType{Kind: ir.EntryApp, Visibility: ir.Public}
}

// authoredFor returns the authored ops of one action.
func authoredFor(t *testing.T, s *store.Store, ah ir.ActionHash) []store.AuthoredOp {
	t.Helper()
	all, err := s.ListAuthoredOps(context.Background())
	require.NoError(t, err)
	out := []store.AuthoredOp{}
	for _, op := range all {
		if op.ActionHash == ah {
			out = append(out, op)
		}
	}
	return out
}
