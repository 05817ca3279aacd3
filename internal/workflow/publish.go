package workflow

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/metrics"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
)

// Publish is the workflow that sends authored ops to the authorities of
// their basis until enough validation receipts have come back.
type Publish struct {
	store     *store.Store
	transport network.Transport
	resp      network.Responsibility
	limiter   *rate.Limiter
	clock     engine.Clock
	metrics   *metrics.Metrics
	settings  Settings
	log       *slog.Logger
}

// Run publishes one batch of due ops.
//
// An op is due when it is not withheld, not receipt-complete, and was not
// published within MinPublishInterval. CRITICAL: an op whose basis is in
// our own arcs is only published once it has integrated here as valid;
// we are one of its authorities and must not spread what we would reject.
func (w *Publish) Run(ctx context.Context) (engine.WorkResult, error) {
	if w.transport == nil {
		return engine.WorkResult{}, nil
	}
	now := w.clock.Now()
	before := now - ir.Timestamp(w.settings.MinPublishInterval.Microseconds())
	candidates, err := w.store.PublishCandidates(ctx, before, w.settings.PublishBatchSize)
	if err != nil {
		return engine.WorkResult{}, storageError("publish candidates", err)
	}
	if len(candidates) == 0 {
		return engine.WorkResult{}, nil
	}

	arcs := w.resp.Arcs()
	byBasis := make(map[ir.AnyHash][]store.AuthoredOp)
	waiting := 0
	for _, c := range candidates {
		if arcs.Covers(c.Basis) && c.IntegratedStatus != ir.StatusValid {
			waiting++
			continue
		}
		byBasis[c.Basis] = append(byBasis[c.Basis], c)
	}

	bases := make([]ir.AnyHash, 0, len(byBasis))
	for b := range byBasis {
		bases = append(bases, b)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	batchID := uuid.NewString()
	published := []ir.OpHash{}
	for _, basis := range bases {
		if err := w.limiter.Wait(ctx); err != nil {
			return engine.WorkResult{}, err
		}
		group := byBasis[basis]
		claimed := make([]ir.ClaimedOp, len(group))
		for i, c := range group {
			claimed[i] = ir.ClaimedOp{Hash: c.Hash, Op: c.Op}
		}
		if err := w.transport.Publish(ctx, basis, claimed); err != nil {
			w.log.Warn("Publish failed", "batch", batchID, "basis", ir.Short(basis), "ops", len(group), "error", err)
			continue
		}
		for _, c := range group {
			published = append(published, c.Hash)
		}
	}

	if err := w.store.MarkPublished(ctx, published, now); err != nil {
		return engine.WorkResult{}, storageError("mark published", err)
	}
	w.metrics.Published(ctx, len(published))
	w.log.Debug("Publish run", "batch", batchID, "published", len(published), "bases", len(bases), "waiting", waiting)

	res := engine.WorkResult{
		Progressed: len(published) > 0,
		More:       len(published) > 0 && len(candidates) == w.settings.PublishBatchSize,
		RetryAfter: w.settings.MinPublishInterval,
	}
	return res, nil
}
