package workflow

import (
	"context"
	"log/slog"

	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/metrics"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
)

// AdmitResult reports what one Admit call did with a batch.
type AdmitResult struct {
	Admitted   int
	Duplicates int
	OutOfArc   int
}

// Intake is the gate every op passes before it reaches limbo, whether it
// came from the network or from this node's own authoring.
type Intake struct {
	store   *store.Store
	resp    network.Responsibility
	clock   engine.Clock
	metrics *metrics.Metrics
	log     *slog.Logger
	next    *engine.Trigger
}

// Admit checks a batch and inserts the survivors into limbo.
//
// Integrity checks run over the whole batch first. CRITICAL: a single
// counterfeit op (wrong hash, bad signature, mismatched entry) refuses the
// entire batch with a COUNTERFEIT error and nothing is written; the sender
// is not trusted for the rest of what it sent.
//
// An op from the network whose basis lies outside our arcs also refuses the
// whole batch. Our own ops outside the arcs are skipped, since we are not
// their authority. Ops already integrated, already in limbo or repeated
// within the batch are dropped silently.
func (in *Intake) Admit(ctx context.Context, batch []ir.ClaimedOp, fromNetwork bool) (AdmitResult, error) {
	var res AdmitResult
	if len(batch) == 0 {
		return res, nil
	}

	for _, c := range batch {
		if err := checkIntegrity(c); err != nil {
			in.metrics.Intake(ctx, metrics.IntakeCounterfeit, len(batch))
			in.log.Warn("Refusing counterfeit batch", "size", len(batch), "error", err)
			return res, err
		}
	}

	arcs := in.resp.Arcs()
	now := in.clock.Now()
	seen := make(map[ir.OpHash]bool, len(batch))
	admit := []store.LimboOp{}

	for _, c := range batch {
		if seen[c.Hash] {
			res.Duplicates++
			continue
		}
		seen[c.Hash] = true

		l, err := store.NewLimboOp(c.Hash, c.Op, fromNetwork, now)
		if err != nil {
			return res, counterfeit(c.Hash, "%v", err)
		}
		if !arcs.Covers(l.Basis) {
			if fromNetwork {
				in.metrics.Intake(ctx, metrics.IntakeCounterfeit, len(batch))
				in.log.Warn("Refusing batch outside our arcs", "size", len(batch), "op", ir.Short(c.Hash))
				return AdmitResult{}, counterfeit(c.Hash, "basis %s outside responsibility", ir.Short(l.Basis))
			}
			res.OutOfArc++
			continue
		}

		presence, err := in.store.OpPresence(ctx, c.Hash)
		if err != nil {
			return res, storageError("intake presence", err)
		}
		if presence != store.OpAbsent {
			res.Duplicates++
			continue
		}
		admit = append(admit, l)
	}

	if len(admit) > 0 {
		if err := in.store.InsertLimbo(ctx, admit); err != nil {
			return res, storageError("intake insert", err)
		}
		in.next.Fire()
	}
	res.Admitted = len(admit)

	in.metrics.Intake(ctx, metrics.IntakeAdmitted, res.Admitted)
	in.metrics.Intake(ctx, metrics.IntakeDuplicate, res.Duplicates)
	in.metrics.Intake(ctx, metrics.IntakeOutOfArc, res.OutOfArc)
	in.log.Debug("Admitted batch",
		"admitted", res.Admitted, "duplicates", res.Duplicates,
		"out_of_arc", res.OutOfArc, "from_network", fromNetwork)
	return res, nil
}

// checkIntegrity runs the three content checks: claimed hash, signature
// and embedded entry hash.
func checkIntegrity(c ir.ClaimedOp) error {
	hash, err := c.Op.Hash()
	if err != nil {
		return counterfeit(c.Hash, "malformed op: %v", err)
	}
	if hash != c.Hash {
		return counterfeit(c.Hash, "op hashes to %s", ir.Short(hash))
	}

	switch {
	case c.Op.Chain != nil:
		chain := c.Op.Chain
		if !keystore.VerifyAction(chain.Action) {
			return counterfeit(c.Hash, "action signature does not verify under %s", ir.Short(chain.Action.Action.Author))
		}
		if chain.Entry != nil {
			eh, err := chain.Entry.Hash()
			if err != nil {
				return counterfeit(c.Hash, "malformed entry: %v", err)
			}
			if eh != chain.Action.Action.EntryHash {
				return counterfeit(c.Hash, "entry hashes to %s, action names %s",
					ir.Short(eh), ir.Short(chain.Action.Action.EntryHash))
			}
		}
	case c.Op.Warrant != nil:
		if !keystore.VerifyWarrant(*c.Op.Warrant) {
			return counterfeit(c.Hash, "warrant signature does not verify under %s", ir.Short(c.Op.Warrant.Warrant.Author))
		}
	}
	return nil
}
