package workflow

import (
	"context"
	"log/slog"

	"github.com/roach88/dhtcore/internal/cache"
	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/metrics"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
)

// Integrate is the workflow that moves ops with final outcomes from limbo
// into the integrated tables.
//
// Ops are grouped by action and each group is committed in its own
// transaction while holding that action's mutex, so the aggregated verdict
// of an action is never recomputed by two writers at once.
type Integrate struct {
	signer    keystore.Signer
	store     *store.Store
	cache     *cache.Cache
	transport network.Transport
	warrants  *Warrants
	locks     *keyedMutex
	clock     engine.Clock
	metrics   *metrics.Metrics
	settings  Settings
	log       *slog.Logger
}

// Run integrates one batch.
func (w *Integrate) Run(ctx context.Context) (engine.WorkResult, error) {
	ops, err := w.store.AwaitingIntegration(ctx, w.settings.IntegrateBatchSize)
	if err != nil {
		return engine.WorkResult{}, storageError("awaiting integration", err)
	}
	if len(ops) == 0 {
		return engine.WorkResult{}, nil
	}

	integrated := 0
	receipts := []store.ReceiptOwed{}
	for _, group := range groupByAction(ops) {
		res, err := w.integrateGroup(ctx, group)
		if err != nil {
			return engine.WorkResult{}, err
		}
		integrated += res.Integrated
		receipts = append(receipts, res.Receipts...)
		if err := w.afterCommit(ctx, group, res); err != nil {
			return engine.WorkResult{}, err
		}
	}

	w.sendReceipts(ctx, receipts)
	w.log.Debug("Integration run", "ops", len(ops), "integrated", integrated, "receipts", len(receipts))
	return engine.WorkResult{
		Progressed: true,
		More:       len(ops) == w.settings.IntegrateBatchSize,
	}, nil
}

func (w *Integrate) integrateGroup(ctx context.Context, group []store.LimboOp) (store.IntegrationResult, error) {
	unlock := w.locks.Lock(groupKey(group[0]))
	defer unlock()

	res, err := w.store.IntegrateBatch(ctx, group, w.clock.Now())
	if err != nil {
		return res, storageError("integrate", err)
	}
	for _, l := range group {
		w.metrics.Integrated(ctx, string(l.ValidationStatus()), 1)
	}
	return res, nil
}

// afterCommit runs the follow-ups of one committed group: fork detection
// on valid agent-activity ops and eviction of now-integrated actions from
// the fetch cache.
func (w *Integrate) afterCommit(ctx context.Context, group []store.LimboOp, res store.IntegrationResult) error {
	evict := []ir.ActionHash{}
	for ah, validity := range res.Validity {
		evict = append(evict, ah)
		if validity != ir.StatusValid {
			w.log.Info("Action integrated as rejected", "action", ir.Short(ah))
		}
	}

	for _, l := range group {
		if l.Kind != ir.OpRegisterAgentActivity || l.ValidationStatus() != ir.StatusValid {
			continue
		}
		if err := w.detectFork(ctx, l); err != nil {
			return err
		}
	}

	if w.cache != nil && len(evict) > 0 {
		if err := w.cache.Evict(evict); err != nil {
			w.log.Warn("Cache eviction failed", "error", err)
		}
	}
	return nil
}

// detectFork warrants the author when another valid action already sits
// at the same chain position.
func (w *Integrate) detectFork(ctx context.Context, l store.LimboOp) error {
	actions, err := w.store.ActionsAtSeq(ctx, l.Author, l.ActionSeq)
	if err != nil {
		return storageError("fork lookup", err)
	}
	if len(actions) < 2 {
		return nil
	}
	w.log.Warn("Chain fork detected", "author", ir.Short(l.Author), "seq", l.ActionSeq, "actions", len(actions))
	return w.warrants.ChainFork(ctx, actions[0], actions[1])
}

// sendReceipts signs and sends owed receipts. A failed send is logged and
// not retried; the author republishes until it has enough receipts.
func (w *Integrate) sendReceipts(ctx context.Context, owed []store.ReceiptOwed) {
	if w.transport == nil {
		return
	}
	for _, r := range owed {
		signed, err := keystore.SignReceipt(w.signer, ir.ValidationReceipt{
			OpHash:    r.OpHash,
			Validator: w.signer.Agent(),
			Status:    r.Status,
			When:      w.clock.Now(),
		})
		if err != nil {
			w.log.Warn("Signing receipt failed", "op", ir.Short(r.OpHash), "error", err)
			continue
		}
		if err := w.transport.SendReceipt(ctx, r.Author, signed); err != nil {
			w.log.Warn("Sending receipt failed", "op", ir.Short(r.OpHash), "to", ir.Short(r.Author), "error", err)
			continue
		}
		w.metrics.Receipt(ctx, "sent")
	}
}

// groupByAction splits ops into runs sharing an action. Warrants have no
// action and form groups of one.
func groupByAction(ops []store.LimboOp) [][]store.LimboOp {
	groups := [][]store.LimboOp{}
	for _, l := range ops {
		n := len(groups)
		if n > 0 && l.ActionHash != "" && groups[n-1][0].ActionHash == l.ActionHash {
			groups[n-1] = append(groups[n-1], l)
			continue
		}
		groups = append(groups, []store.LimboOp{l})
	}
	return groups
}

func groupKey(l store.LimboOp) string {
	if l.ActionHash != "" {
		return string(l.ActionHash)
	}
	return string(l.Hash)
}
