package workflow

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/metrics"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
	"github.com/roach88/dhtcore/internal/sysvalidate"
)

// SysValidation is the workflow that runs structural checks on pending_sys
// ops.
//
// Ops are validated in parallel, bounded by Settings.Concurrency, and
// their outcomes are written back sequentially in batch order.
type SysValidation struct {
	store     *store.Store
	resp      network.Responsibility
	validator *sysvalidate.Validator
	warrants  *Warrants
	fetch     *FetchQueue
	clock     engine.Clock
	metrics   *metrics.Metrics
	settings  Settings
	log       *slog.Logger
}

// Run validates one batch.
func (w *SysValidation) Run(ctx context.Context) (engine.WorkResult, error) {
	ops, err := w.store.PendingSys(ctx, w.settings.SysBatchSize)
	if err != nil {
		return engine.WorkResult{}, storageError("pending sys", err)
	}
	if len(ops) == 0 {
		return engine.WorkResult{}, nil
	}

	outcomes := make([]sysvalidate.Outcome, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.settings.Concurrency)
	for i := range ops {
		i := i
		g.Go(func() error {
			out, err := w.validator.Validate(gctx, ops[i].Op)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return engine.WorkResult{}, storageError("sys validation", err)
	}

	var decided, deferred int
	now := w.clock.Now()
	for i, l := range ops {
		out := outcomes[i]
		switch out.Verdict {
		case sysvalidate.Accepted:
			skipApp := l.Op.Warrant != nil
			if err := w.store.SetSysOutcome(ctx, l.Hash, store.OutcomeValid, "", skipApp); err != nil {
				return engine.WorkResult{}, storageError("set sys outcome", err)
			}
			w.metrics.Validation(ctx, "sys", metrics.OutcomeValid)
			decided++

		case sysvalidate.Rejected:
			if err := w.store.SetSysOutcome(ctx, l.Hash, store.OutcomeRejected, out.Reason, false); err != nil {
				return engine.WorkResult{}, storageError("set sys outcome", err)
			}
			w.metrics.Validation(ctx, "sys", metrics.OutcomeRejected)
			w.log.Info("Op failed structural validation",
				"op", ir.Short(l.Hash), "kind", l.Kind, "author", ir.Short(l.Author), "reason", out.Reason)
			if l.RequireReceipt && l.Op.Chain != nil {
				if err := w.warrants.InvalidAction(ctx, l.Op.Chain.Action); err != nil {
					return engine.WorkResult{}, err
				}
			}
			decided++

		case sysvalidate.MissingDep:
			dropped, err := deferOp(ctx, w.store, w.resp, l, now)
			if err != nil {
				return engine.WorkResult{}, err
			}
			if dropped {
				w.log.Debug("Dropped op outside arcs", "op", ir.Short(l.Hash))
				continue
			}
			w.metrics.Validation(ctx, "sys", metrics.OutcomeDeferred)
			w.fetch.Add(out.Missing...)
			deferred++
		}
	}

	w.log.Debug("Structural validation run", "decided", decided, "deferred", deferred)
	res := engine.WorkResult{
		Progressed: decided > 0,
		More:       decided > 0 && len(ops) == w.settings.SysBatchSize,
	}
	if deferred > 0 {
		res.RetryAfter = w.settings.RetryDelay
	}
	return res, nil
}
