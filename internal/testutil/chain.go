// Package testutil provides deterministic fixtures for tests: a manual
// clock and agents that author correctly linked, signed source chains.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
)

// testSeed is shared by every test agent so keys are stable across runs.
var testSeed = []byte("dhtcore-test-seed")

// Agent authors a source chain in memory. Each helper signs the action,
// links it to the previous head and advances the head.
type Agent struct {
	Signer *keystore.Ed25519Signer

	head    ir.ActionHash
	seq     uint32
	started bool
	now     ir.Timestamp
}

// NewAgent derives a deterministic agent from label.
func NewAgent(t testing.TB, label string) *Agent {
	t.Helper()
	s, err := keystore.Derive(testSeed, label)
	require.NoError(t, err)
	return &Agent{Signer: s, now: StartTime}
}

// Key returns the agent's public key.
func (a *Agent) Key() ir.AgentKey {
	return a.Signer.Agent()
}

// Head returns the current chain head hash.
func (a *Agent) Head() ir.ActionHash {
	return a.head
}

// Next builds, signs and appends an action of kind. mutate fills in the
// kind-specific fields.
func (a *Agent) Next(t testing.TB, kind ir.ActionKind, mutate func(*ir.Action)) ir.SignedAction {
	t.Helper()
	act := ir.Action{
		Kind:      kind,
		Author:    a.Key(),
		Timestamp: a.now,
	}
	if a.started {
		act.Seq = a.seq + 1
		act.PrevAction = a.head
	}
	if mutate != nil {
		mutate(&act)
	}

	sa, err := keystore.SignAction(a.Signer, act)
	require.NoError(t, err)
	h, err := sa.Hash()
	require.NoError(t, err)

	a.head = h
	a.seq = act.Seq
	a.started = true
	a.now++
	return sa
}

// Genesis authors the three chain-initialization actions: dna,
// agent_validation_pkg and the Create of the agent entry. Returns the
// actions and the agent entry.
func (a *Agent) Genesis(t testing.TB) ([]ir.SignedAction, ir.Entry) {
	t.Helper()
	dna := a.Next(t, ir.ActionDna, func(x *ir.Action) { x.DnaHash = "dna-under-test" })
	avp := a.Next(t, ir.ActionAgentValidationPkg, nil)

	agentEntry := ir.AgentEntry(a.Key())
	eh, err := agentEntry.Hash()
	require.NoError(t, err)
	create := a.Next(t, ir.ActionCreate, func(x *ir.Action) {
		x.EntryType = &ir.EntryType{Kind: ir.EntryAgent, Visibility: ir.Public}
		x.EntryHash = eh
	})
	return []ir.SignedAction{dna, avp, create}, agentEntry
}

// CreateApp authors a Create of an app entry.
func (a *Agent) CreateApp(t testing.TB, payload []byte, vis ir.Visibility) (ir.SignedAction, ir.Entry) {
	t.Helper()
	entry := ir.AppEntry(payload)
	eh, err := entry.Hash()
	require.NoError(t, err)
	sa := a.Next(t, ir.ActionCreate, func(x *ir.Action) {
		x.EntryType = &ir.EntryType{Kind: ir.EntryApp, Visibility: vis}
		x.EntryHash = eh
	})
	return sa, entry
}

// UpdateApp authors an Update replacing original with a new app payload.
func (a *Agent) UpdateApp(t testing.TB, original ir.SignedAction, payload []byte) (ir.SignedAction, ir.Entry) {
	t.Helper()
	oh, err := original.Hash()
	require.NoError(t, err)
	entry := ir.AppEntry(payload)
	eh, err := entry.Hash()
	require.NoError(t, err)
	et := *original.Action.EntryType
	sa := a.Next(t, ir.ActionUpdate, func(x *ir.Action) {
		x.EntryType = &et
		x.EntryHash = eh
		x.OriginalAction = oh
		x.OriginalEntry = original.Action.EntryHash
	})
	return sa, entry
}

// Delete authors a Delete of target.
func (a *Agent) Delete(t testing.TB, target ir.SignedAction) ir.SignedAction {
	t.Helper()
	th, err := target.Hash()
	require.NoError(t, err)
	return a.Next(t, ir.ActionDelete, func(x *ir.Action) {
		x.DeletesAction = th
		x.DeletesEntry = target.Action.EntryHash
	})
}

// CreateLink authors a CreateLink from base to target.
func (a *Agent) CreateLink(t testing.TB, base, target ir.AnyHash, tag []byte) ir.SignedAction {
	t.Helper()
	return a.Next(t, ir.ActionCreateLink, func(x *ir.Action) {
		x.Base = base
		x.Target = target
		x.Tag = tag
	})
}

// DeleteLink authors a DeleteLink retracting add.
func (a *Agent) DeleteLink(t testing.TB, add ir.SignedAction) ir.SignedAction {
	t.Helper()
	ah, err := add.Hash()
	require.NoError(t, err)
	return a.Next(t, ir.ActionDeleteLink, func(x *ir.Action) {
		x.Base = add.Action.Base
		x.LinkAddAddress = ah
	})
}

// Ops runs the transform and fails the test on error.
func Ops(t testing.TB, in ir.TransformInput) []ir.ChainOp {
	t.Helper()
	ops, err := ir.ProduceOps(in)
	require.NoError(t, err)
	return ops
}

// Claim wraps chain ops with their correct hashes, as a sender would.
func Claim(t testing.TB, ops []ir.ChainOp) []ir.ClaimedOp {
	t.Helper()
	out := make([]ir.ClaimedOp, 0, len(ops))
	for i := range ops {
		c, err := ir.Claim(ir.DhtOp{Chain: &ops[i]})
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

// OpOfKind returns the first op of kind, failing the test if absent.
func OpOfKind(t testing.TB, ops []ir.ChainOp, kind ir.OpKind) ir.ChainOp {
	t.Helper()
	for _, op := range ops {
		if op.Kind == kind {
			return op
		}
	}
	require.Failf(t, "op not found", "no %s op among %d ops", kind, len(ops))
	return ir.ChainOp{}
}
