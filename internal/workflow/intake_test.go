package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/testutil"
)

func TestAdmitInsertsIntoLimbo(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "bob")
	ops := remoteChain(t, testutil.NewAgent(t, "alice"))

	res, err := node.Intake().Admit(ctx, testutil.Claim(t, ops), true)
	require.NoError(t, err)
	assert.Equal(t, AdmitResult{Admitted: len(ops)}, res)

	limbo, err := node.store.ListLimbo(ctx)
	require.NoError(t, err)
	require.Len(t, limbo, len(ops))
	for _, l := range limbo {
		assert.True(t, l.RequireReceipt)
		assert.Equal(t, testutil.StartTime, l.WhenReceived)
	}
}

// Scenario B: one forged signature drops the whole batch.
func TestAdmitForgedSignatureRefusesBatch(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "bob")
	ops := remoteChain(t, testutil.NewAgent(t, "alice"))
	require.Len(t, ops, 5)

	claimed := testutil.Claim(t, ops)
	forged := *claimed[3].Op.Chain
	forged.Action.Signature = append([]byte{}, forged.Action.Signature...)
	forged.Action.Signature[0] ^= 0xff
	claimed[3].Op = ir.DhtOp{Chain: &forged}

	_, err := node.Intake().Admit(ctx, claimed, true)
	require.Error(t, err)
	assert.True(t, IsCounterfeit(err))

	limbo, err := node.store.ListLimbo(ctx)
	require.NoError(t, err)
	assert.Empty(t, limbo)
}

func TestAdmitCounterfeitChecks(t *testing.T) {
	ctx := context.Background()
	alice := testutil.NewAgent(t, "alice")
	remoteChain(t, alice)
	sa, entry := alice.CreateApp(t, []byte("genuine"), ir.Public)
	ops := testutil.Ops(t, ir.TransformInput{Action: sa, Entry: &entry})

	t.Run("claimed hash", func(t *testing.T) {
		node := newTestNode(t, "bob")
		claimed := testutil.Claim(t, ops)
		claimed[0].Hash = claimed[1].Hash
		_, err := node.Intake().Admit(ctx, claimed, true)
		assert.True(t, IsCounterfeit(err))
	})

	t.Run("entry hash", func(t *testing.T) {
		node := newTestNode(t, "bob")
		claimed := testutil.Claim(t, ops)
		swapped := ir.AppEntry([]byte("forged"))
		for i := range claimed {
			if claimed[i].Op.Chain.Kind == ir.OpStoreEntry {
				op := *claimed[i].Op.Chain
				op.Entry = &swapped
				claimed[i].Op = ir.DhtOp{Chain: &op}
			}
		}
		_, err := node.Intake().Admit(ctx, claimed, true)
		assert.True(t, IsCounterfeit(err))
	})

	t.Run("warrant signature", func(t *testing.T) {
		node := newTestNode(t, "bob")
		carol := testutil.NewAgent(t, "carol")
		w := ir.WarrantOp{
			Warrant: ir.Warrant{
				Kind:      ir.WarrantInvalidAction,
				Author:    carol.Key(),
				Timestamp: testutil.StartTime,
				Target:    alice.Key(),
				Actions:   []ir.WarrantedAction{{Hash: actionHash(t, sa), Signature: sa.Signature}},
			},
			Signature: make([]byte, 64),
		}
		c, err := ir.Claim(ir.DhtOp{Warrant: &w})
		require.NoError(t, err)
		_, err = node.Intake().Admit(ctx, []ir.ClaimedOp{c}, true)
		assert.True(t, IsCounterfeit(err))
	})
}

func TestAdmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "bob")
	ops := remoteChain(t, testutil.NewAgent(t, "alice"))
	claimed := testutil.Claim(t, ops)

	batch := append(append([]ir.ClaimedOp{}, claimed...), claimed[0])
	res, err := node.Intake().Admit(ctx, batch, true)
	require.NoError(t, err)
	assert.Equal(t, len(ops), res.Admitted)
	assert.Equal(t, 1, res.Duplicates)

	res, err = node.Intake().Admit(ctx, claimed, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Admitted, "already in limbo")

	node.drain(t)

	res, err = node.Intake().Admit(ctx, claimed, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Admitted, "already integrated")
	node.drain(t)

	for _, c := range claimed {
		n, err := node.store.CountOps(ctx, c.Hash)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
}

func TestAdmitRefusesBatchOutsideArcs(t *testing.T) {
	ctx := context.Background()
	ops := remoteChain(t, testutil.NewAgent(t, "alice"))
	basis, err := ops[0].Basis()
	require.NoError(t, err)
	loc := ir.Location(basis)
	node := newTestNode(t, "bob", func(c *Config) {
		c.Responsibility = network.StaticResponsibility{{Start: loc, End: loc}}
	})

	res, err := node.Intake().Admit(ctx, testutil.Claim(t, ops), true)
	require.Error(t, err)
	assert.True(t, IsCounterfeit(err))
	assert.Equal(t, AdmitResult{}, res)

	limbo, err := node.store.ListLimbo(ctx)
	require.NoError(t, err)
	assert.Empty(t, limbo)
}

func TestAdmitSkipsOwnOpsOutsideArcs(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "bob", func(c *Config) {
		c.Responsibility = network.StaticResponsibility{}
	})
	ops := remoteChain(t, testutil.NewAgent(t, "alice"))

	res, err := node.Intake().Admit(ctx, testutil.Claim(t, ops), false)
	require.NoError(t, err)
	assert.Equal(t, AdmitResult{OutOfArc: len(ops)}, res)
}
