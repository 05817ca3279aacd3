package workflow

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dhtcore/internal/apphost"
	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/metrics"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
)

// AppValidation is the workflow that hands structurally valid ops to the
// application host.
type AppValidation struct {
	store    *store.Store
	resp     network.Responsibility
	host     apphost.Host
	warrants *Warrants
	fetch    *FetchQueue
	clock    engine.Clock
	metrics  *metrics.Metrics
	settings Settings
	log      *slog.Logger
}

type appResult struct {
	out apphost.Outcome
	err error
}

// Run validates one batch.
//
// A host error is not a verdict: the op is deferred like an unresolved
// dependency and retried later.
func (w *AppValidation) Run(ctx context.Context) (engine.WorkResult, error) {
	ops, err := w.store.PendingApp(ctx, w.settings.AppBatchSize)
	if err != nil {
		return engine.WorkResult{}, storageError("pending app", err)
	}
	if len(ops) == 0 {
		return engine.WorkResult{}, nil
	}

	results := make([]appResult, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.settings.Concurrency)
	for i := range ops {
		if ops[i].Op.Chain == nil {
			results[i] = appResult{out: apphost.Valid()}
			continue
		}
		i := i
		g.Go(func() error {
			out, err := w.host.Validate(gctx, ops[i].Op.Chain.View())
			results[i] = appResult{out: out, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var decided, deferred int
	now := w.clock.Now()
	for i, l := range ops {
		r := results[i]
		switch {
		case r.err != nil:
			w.log.Warn("Application host failed, deferring op", "op", ir.Short(l.Hash), "error", r.err)
			dropped, err := deferOp(ctx, w.store, w.resp, l, now)
			if err != nil {
				return engine.WorkResult{}, err
			}
			if dropped {
				w.log.Debug("Dropped op outside arcs", "op", ir.Short(l.Hash))
				continue
			}
			w.metrics.Validation(ctx, "app", metrics.OutcomeDeferred)
			deferred++

		case r.out.Verdict == apphost.VerdictValid:
			if err := w.store.SetAppOutcome(ctx, l.Hash, store.OutcomeValid, ""); err != nil {
				return engine.WorkResult{}, storageError("set app outcome", err)
			}
			w.metrics.Validation(ctx, "app", metrics.OutcomeValid)
			decided++

		case r.out.Verdict == apphost.VerdictInvalid:
			if err := w.store.SetAppOutcome(ctx, l.Hash, store.OutcomeRejected, r.out.Reason); err != nil {
				return engine.WorkResult{}, storageError("set app outcome", err)
			}
			w.metrics.Validation(ctx, "app", metrics.OutcomeRejected)
			w.log.Info("Op failed application validation",
				"op", ir.Short(l.Hash), "kind", l.Kind, "author", ir.Short(l.Author), "reason", r.out.Reason)
			if l.RequireReceipt && l.Op.Chain != nil {
				if err := w.warrants.InvalidAction(ctx, l.Op.Chain.Action); err != nil {
					return engine.WorkResult{}, err
				}
			}
			decided++

		default:
			dropped, err := deferOp(ctx, w.store, w.resp, l, now)
			if err != nil {
				return engine.WorkResult{}, err
			}
			if dropped {
				w.log.Debug("Dropped op outside arcs", "op", ir.Short(l.Hash))
				continue
			}
			w.metrics.Validation(ctx, "app", metrics.OutcomeDeferred)
			w.fetch.Add(r.out.Unresolved...)
			deferred++
		}
	}

	w.log.Debug("Application validation run", "decided", decided, "deferred", deferred)
	res := engine.WorkResult{
		Progressed: decided > 0,
		More:       decided > 0 && len(ops) == w.settings.AppBatchSize,
	}
	if deferred > 0 {
		res.RetryAfter = w.settings.RetryDelay
	}
	return res, nil
}
