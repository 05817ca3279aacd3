package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/dhtcore/internal/apphost"
	"github.com/roach88/dhtcore/internal/chainlock"
	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/store"
	"github.com/roach88/dhtcore/internal/sysvalidate"
)

// ErrChainLocked is returned when an append is attempted while the chain
// is locked for a countersigning session.
var ErrChainLocked = fmt.Errorf("append refused: %w", chainlock.ErrLocked)

// Draft is an action to append. Author, Seq, PrevAction and Timestamp
// are filled in from the current chain head.
type Draft struct {
	Action ir.Action
	Entry  *ir.Entry
	// DeletedEntryVisibility overrides the visibility looked up from the
	// deleted action of a Delete draft.
	DeletedEntryVisibility ir.Visibility
}

// Author appends actions to this node's source chain.
//
// Every append is checked with the same structural and application rules
// the network will apply, so an honest node never publishes what its
// peers would warrant.
type Author struct {
	signer    keystore.Signer
	store     *store.Store
	deps      localDeps
	validator *sysvalidate.Validator
	host      apphost.Host
	locker    chainlock.Locker
	intake    *Intake
	clock     engine.Clock
	log       *slog.Logger
	publish   *engine.Trigger

	mu sync.Mutex
}

// Agent returns the chain's agent.
func (a *Author) Agent() ir.AgentKey {
	return a.signer.Agent()
}

// Commit appends d to the chain.
func (a *Author) Commit(ctx context.Context, d Draft) (ir.SignedAction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	locked, err := a.locker.IsLocked(ctx, a.Agent(), "")
	if err != nil {
		return ir.SignedAction{}, err
	}
	if locked {
		return ir.SignedAction{}, ErrChainLocked
	}

	sa, ops, err := a.prepare(ctx, d)
	if err != nil {
		return ir.SignedAction{}, err
	}
	if err := a.append(ctx, sa, d.Entry, ops, false); err != nil {
		return ir.SignedAction{}, err
	}
	return sa, nil
}

// prepare stamps d onto the current head, signs it, produces its ops and
// checks them.
func (a *Author) prepare(ctx context.Context, d Draft) (ir.SignedAction, []ir.ChainOp, error) {
	act := d.Action
	act.Author = a.Agent()

	head, found, err := a.store.ChainHead(ctx, act.Author)
	if err != nil {
		return ir.SignedAction{}, nil, storageError("chain head", err)
	}
	act.Timestamp = a.clock.Now()
	if found {
		act.Seq = head.Seq + 1
		act.PrevAction = head.Hash
		if act.Timestamp < head.Timestamp {
			act.Timestamp = head.Timestamp
		}
	} else {
		act.Seq = 0
		act.PrevAction = ""
	}

	sa, err := keystore.SignAction(a.signer, act)
	if err != nil {
		return ir.SignedAction{}, nil, err
	}
	ops, err := a.opsFor(ctx, sa, d.Entry, d.DeletedEntryVisibility)
	if err != nil {
		return ir.SignedAction{}, nil, err
	}
	return sa, ops, nil
}

// opsFor produces and checks the ops of sa. An empty vis on a Delete is
// resolved from the deleted action.
func (a *Author) opsFor(ctx context.Context, sa ir.SignedAction, entry *ir.Entry, vis ir.Visibility) ([]ir.ChainOp, error) {
	if sa.Action.Kind == ir.ActionDelete && vis == "" {
		t, err := a.resolve(ctx, sa.Action.DeletesAction)
		if err != nil {
			return nil, err
		}
		vis = ir.Public
		if t.Action.EntryType != nil {
			vis = t.Action.EntryType.Visibility
		}
	}
	ops, err := ir.ProduceOps(ir.TransformInput{
		Action:                 sa,
		Entry:                  entry,
		DeletedEntryVisibility: vis,
	})
	if err != nil {
		return nil, &Error{Code: ErrCodeRejectedSys, Message: err.Error()}
	}
	if err := a.check(ctx, ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// check runs structural then application validation over every op.
func (a *Author) check(ctx context.Context, ops []ir.ChainOp) error {
	for i := range ops {
		op := ops[i]
		hash, err := op.Hash()
		if err != nil {
			return err
		}
		out, err := a.validator.Validate(ctx, ir.DhtOp{Chain: &op})
		if err != nil {
			return storageError("author validation", err)
		}
		switch out.Verdict {
		case sysvalidate.Rejected:
			return &Error{Code: ErrCodeRejectedSys, Message: out.Reason, OpHash: hash}
		case sysvalidate.MissingDep:
			return &Error{Code: ErrCodeMissingDep, Message: out.String(), OpHash: hash}
		}

		app, err := a.host.Validate(ctx, op.View())
		if err != nil {
			return fmt.Errorf("application host: %w", err)
		}
		switch app.Verdict {
		case apphost.VerdictInvalid:
			return &Error{Code: ErrCodeRejectedApp, Message: app.Reason, OpHash: hash}
		case apphost.VerdictUnresolved:
			return &Error{Code: ErrCodeMissingDep, Message: app.String(), OpHash: hash}
		}
	}
	return nil
}

// append writes the action and its ops, then admits the ops this node is
// an authority for and wakes the publish workflow.
func (a *Author) append(ctx context.Context, sa ir.SignedAction, entry *ir.Entry, ops []ir.ChainOp, withhold bool) error {
	hash, err := a.store.AppendAuthored(ctx, sa, entry, ops, withhold, a.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrHeadMoved) {
			return err
		}
		return storageError("append", err)
	}
	a.log.Info("Appended action", "action", ir.Short(hash), "kind", sa.Action.Kind, "seq", sa.Action.Seq, "ops", len(ops))

	claimed := make([]ir.ClaimedOp, 0, len(ops))
	for i := range ops {
		c, err := ir.Claim(ir.DhtOp{Chain: &ops[i]})
		if err != nil {
			return err
		}
		claimed = append(claimed, c)
	}
	if _, err := a.intake.Admit(ctx, claimed, false); err != nil {
		return err
	}
	if !withhold {
		a.publish.Fire()
	}
	return nil
}

// InitChain writes the genesis actions: dna, agent_validation_pkg and the
// agent entry.
func (a *Author) InitChain(ctx context.Context, dnaHash string, membraneProof []byte) ([]ir.SignedAction, error) {
	agentEntry := ir.AgentEntry(a.Agent())
	eh, err := agentEntry.Hash()
	if err != nil {
		return nil, err
	}
	drafts := []Draft{
		{Action: ir.Action{Kind: ir.ActionDna, DnaHash: dnaHash}},
		{Action: ir.Action{Kind: ir.ActionAgentValidationPkg, MembraneProof: membraneProof}},
		{
			Action: ir.Action{
				Kind:      ir.ActionCreate,
				EntryType: &ir.EntryType{Kind: ir.EntryAgent, Visibility: ir.Public},
				EntryHash: eh,
			},
			Entry: &agentEntry,
		},
	}
	out := make([]ir.SignedAction, 0, len(drafts))
	for _, d := range drafts {
		sa, err := a.Commit(ctx, d)
		if err != nil {
			return out, err
		}
		out = append(out, sa)
	}
	return out, nil
}

// Create appends a Create of entry with entry type et.
func (a *Author) Create(ctx context.Context, et ir.EntryType, entry ir.Entry) (ir.SignedAction, error) {
	eh, err := entry.Hash()
	if err != nil {
		return ir.SignedAction{}, err
	}
	return a.Commit(ctx, Draft{
		Action: ir.Action{Kind: ir.ActionCreate, EntryType: &et, EntryHash: eh},
		Entry:  &entry,
	})
}

// Update appends an Update replacing the entry of original.
func (a *Author) Update(ctx context.Context, original ir.ActionHash, entry ir.Entry) (ir.SignedAction, error) {
	orig, err := a.resolve(ctx, original)
	if err != nil {
		return ir.SignedAction{}, err
	}
	if orig.Action.EntryType == nil {
		return ir.SignedAction{}, &Error{Code: ErrCodeRejectedSys, Message: fmt.Sprintf("%s action has no entry to update", orig.Action.Kind)}
	}
	eh, err := entry.Hash()
	if err != nil {
		return ir.SignedAction{}, err
	}
	et := *orig.Action.EntryType
	return a.Commit(ctx, Draft{
		Action: ir.Action{
			Kind:           ir.ActionUpdate,
			EntryType:      &et,
			EntryHash:      eh,
			OriginalAction: original,
			OriginalEntry:  orig.Action.EntryHash,
		},
		Entry: &entry,
	})
}

// Delete appends a Delete of target. The deleted entry's visibility is
// taken from target's entry type.
func (a *Author) Delete(ctx context.Context, target ir.ActionHash) (ir.SignedAction, error) {
	t, err := a.resolve(ctx, target)
	if err != nil {
		return ir.SignedAction{}, err
	}
	return a.Commit(ctx, Draft{Action: ir.Action{
		Kind:          ir.ActionDelete,
		DeletesAction: target,
		DeletesEntry:  t.Action.EntryHash,
	}})
}

// CreateLink appends a CreateLink from base to target.
func (a *Author) CreateLink(ctx context.Context, base, target ir.AnyHash, zome, linkType uint8, tag []byte) (ir.SignedAction, error) {
	return a.Commit(ctx, Draft{Action: ir.Action{
		Kind:      ir.ActionCreateLink,
		Base:      base,
		Target:    target,
		ZomeIndex: zome,
		LinkType:  linkType,
		Tag:       tag,
	}})
}

// DeleteLink appends a DeleteLink retracting the link created by add.
func (a *Author) DeleteLink(ctx context.Context, add ir.ActionHash) (ir.SignedAction, error) {
	link, err := a.resolve(ctx, add)
	if err != nil {
		return ir.SignedAction{}, err
	}
	return a.Commit(ctx, Draft{Action: ir.Action{
		Kind:           ir.ActionDeleteLink,
		Base:           link.Action.Base,
		LinkAddAddress: add,
	}})
}

func (a *Author) resolve(ctx context.Context, hash ir.ActionHash) (ir.SignedAction, error) {
	sa, found, err := a.deps.Action(ctx, hash)
	if err != nil {
		return ir.SignedAction{}, storageError("resolve", err)
	}
	if !found {
		return ir.SignedAction{}, &Error{Code: ErrCodeMissingDep, Message: "unknown action " + ir.Short(hash)}
	}
	return sa, nil
}
