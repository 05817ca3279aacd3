package workflow

import (
	"context"
	"log/slog"
	"sort"

	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/metrics"
	"github.com/roach88/dhtcore/internal/store"
)

// Warrants authors warrant ops against agents whose actions this node
// found invalid or forked.
//
// A warrant is written to the authored store, admitted locally when its
// basis (the target agent) is in our arcs, and published like any other
// authored op.
type Warrants struct {
	signer  keystore.Signer
	store   *store.Store
	intake  *Intake
	clock   engine.Clock
	metrics *metrics.Metrics
	log     *slog.Logger
	publish *engine.Trigger
}

// InvalidAction warrants a single action rejected by validation.
// At most one invalid_action warrant is authored per action.
func (w *Warrants) InvalidAction(ctx context.Context, sa ir.SignedAction) error {
	hash, err := sa.Hash()
	if err != nil {
		return err
	}
	if sa.Action.Author == w.signer.Agent() {
		return nil
	}
	return w.author(ctx, ir.WarrantInvalidAction, sa.Action.Author, []ir.WarrantedAction{
		{Hash: hash, Signature: sa.Signature},
	})
}

// ChainFork warrants two actions by the same author at the same seq.
// The pair is ordered by hash so either discovery order yields the same
// warrant.
func (w *Warrants) ChainFork(ctx context.Context, a, b ir.SignedAction) error {
	ha, err := a.Hash()
	if err != nil {
		return err
	}
	hb, err := b.Hash()
	if err != nil {
		return err
	}
	if ha == hb || a.Action.Author == w.signer.Agent() {
		return nil
	}
	pair := []ir.WarrantedAction{
		{Hash: ha, Signature: a.Signature},
		{Hash: hb, Signature: b.Signature},
	}
	sort.Slice(pair, func(i, j int) bool { return pair[i].Hash < pair[j].Hash })
	return w.author(ctx, ir.WarrantChainFork, a.Action.Author, pair)
}

func (w *Warrants) author(ctx context.Context, kind ir.WarrantKind, target ir.AgentKey, actions []ir.WarrantedAction) error {
	exists, err := w.store.AuthoredWarrantExists(ctx, kind, actions[0].Hash)
	if err != nil {
		return storageError("warrant lookup", err)
	}
	if exists {
		return nil
	}

	op, err := keystore.SignWarrant(w.signer, ir.Warrant{
		Kind:      kind,
		Author:    w.signer.Agent(),
		Timestamp: w.clock.Now(),
		Target:    target,
		Actions:   actions,
	})
	if err != nil {
		return err
	}
	hash, err := w.store.InsertAuthoredWarrant(ctx, op, w.clock.Now())
	if err != nil {
		return storageError("warrant insert", err)
	}
	w.metrics.Warrant(ctx, string(kind))
	w.log.Info("Authored warrant", "kind", kind, "target", ir.Short(target), "op", ir.Short(hash))

	if _, err := w.intake.Admit(ctx, []ir.ClaimedOp{{Hash: hash, Op: ir.DhtOp{Warrant: &op}}}, false); err != nil {
		return err
	}
	w.publish.Fire()
	return nil
}
