package sysvalidate

import (
	"context"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/manifest"
)

// Deps resolves dependencies from local sources: integrated and limbo
// actions, this node's authored chain and the fetch cache.
//
// found=false means the hash is unknown locally. err is reserved for
// storage failures and aborts the run.
type Deps interface {
	Action(ctx context.Context, hash ir.ActionHash) (sa ir.SignedAction, found bool, err error)
	// Validity returns the aggregated validity of an integrated action, or
	// empty when no op of it has been integrated.
	Validity(ctx context.Context, hash ir.ActionHash) (ir.ValidationStatus, error)
}

// Validator runs the structural checks.
type Validator struct {
	deps     Deps
	manifest *manifest.Manifest
}

// New creates a Validator. m may be nil, in which case manifest checks
// (declared visibility, known entry and link types) are skipped.
func New(deps Deps, m *manifest.Manifest) *Validator {
	return &Validator{deps: deps, manifest: m}
}

// Validate structurally validates one op.
func (v *Validator) Validate(ctx context.Context, op ir.DhtOp) (Outcome, error) {
	switch {
	case op.Chain != nil:
		return v.validateChainOp(ctx, *op.Chain)
	case op.Warrant != nil:
		return v.validateWarrant(ctx, op.Warrant.Warrant)
	default:
		return Reject("op carries neither an action nor a warrant"), nil
	}
}

func (v *Validator) validateChainOp(ctx context.Context, op ir.ChainOp) (Outcome, error) {
	if out := checkOpShape(op); !out.IsAccepted() {
		return out, nil
	}
	if op.Entry != nil {
		if out := v.checkEntry(op.Action.Action, *op.Entry); !out.IsAccepted() {
			return out, nil
		}
	}
	out, err := v.ValidateAction(ctx, op.Action)
	if err != nil || !out.IsAccepted() || op.Kind != ir.OpRegisterDeletedEntryAction {
		return out, err
	}
	return v.checkDeletedEntryIsPublic(ctx, op.Action.Action)
}

// checkDeletedEntryIsPublic rejects entry-addressed delete ops for a
// private entry, whose hash must never reach an entry authority.
func (v *Validator) checkDeletedEntryIsPublic(ctx context.Context, a ir.Action) (Outcome, error) {
	deleted, found, err := v.deps.Action(ctx, a.DeletesAction)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve %s: %w", ir.Short(a.DeletesAction), err)
	}
	if !found {
		return Missing(ir.AnyHash(a.DeletesAction)), nil
	}
	if et := deleted.Action.EntryType; et == nil || !et.IsPublic() {
		return Reject("%s op for a private entry", ir.OpRegisterDeletedEntryAction), nil
	}
	return Accept(), nil
}

// ValidateAction runs the action-level checks shared by every op of an
// action, including those that need dependencies. It does not verify the
// signature; intake has already done that.
func (v *Validator) ValidateAction(ctx context.Context, sa ir.SignedAction) (Outcome, error) {
	if out := v.checkAction(sa.Action); !out.IsAccepted() {
		return out, nil
	}
	return v.checkDeps(ctx, sa.Action)
}

// allowedOps lists the op kinds each action kind produces.
var allowedOps = map[ir.ActionKind][]ir.OpKind{
	ir.ActionDna:                {ir.OpRegisterAgentActivity},
	ir.ActionAgentValidationPkg: {ir.OpRegisterAgentActivity},
	ir.ActionInitZomesComplete:  {ir.OpRegisterAgentActivity},
	ir.ActionCreate:             {ir.OpRegisterAgentActivity, ir.OpStoreRecord, ir.OpStoreEntry},
	ir.ActionUpdate:             {ir.OpRegisterAgentActivity, ir.OpRegisterUpdatedRecord, ir.OpRegisterUpdatedContent},
	ir.ActionDelete:             {ir.OpRegisterAgentActivity, ir.OpRegisterDeletedBy, ir.OpRegisterDeletedEntryAction},
	ir.ActionCreateLink:         {ir.OpRegisterAgentActivity, ir.OpRegisterAddLink},
	ir.ActionDeleteLink:         {ir.OpRegisterAgentActivity, ir.OpRegisterRemoveLink},
}

// checkOpShape checks that the op kind fits the action kind and that the
// entry state agrees with the entry type's visibility.
func checkOpShape(op ir.ChainOp) Outcome {
	a := op.Action.Action
	kinds, ok := allowedOps[a.Kind]
	if !ok {
		return Reject("unknown action kind %q", a.Kind)
	}
	allowed := false
	for _, k := range kinds {
		if k == op.Kind {
			allowed = true
			break
		}
	}
	if !allowed {
		return Reject("%s action cannot produce a %s op", a.Kind, op.Kind)
	}

	if !a.HasEntry() {
		if op.Entry != nil {
			return Reject("%s action carries an entry", a.Kind)
		}
		return Accept()
	}
	if a.EntryType == nil {
		return Reject("%s action has no entry type", a.Kind)
	}

	public := a.EntryType.IsPublic()
	switch op.Kind {
	case ir.OpStoreEntry, ir.OpRegisterUpdatedContent:
		if !public {
			return Reject("%s op for a private entry", op.Kind)
		}
		if op.Entry == nil {
			return Reject("%s op without its entry", op.Kind)
		}
	}
	if !public && (op.Entry != nil || op.EntryState == ir.EntryPresent) {
		return Reject("private entry carried in a %s op", op.Kind)
	}
	switch op.Kind {
	case ir.OpStoreRecord, ir.OpRegisterUpdatedRecord:
		// The op hash does not cover the entry, so a public record op
		// stripped of its entry would shadow the genuine one.
		if public && (op.EntryState != ir.EntryPresent || op.Entry == nil) {
			return Reject("%s op for a public entry must carry it", op.Kind)
		}
		if !public && op.EntryState != ir.EntryHidden {
			return Reject("%s op for a private entry must be hidden", op.Kind)
		}
	}
	return Accept()
}

// checkAction runs the checks that need nothing but the action.
func (v *Validator) checkAction(a ir.Action) Outcome {
	if !a.Kind.Valid() {
		return Reject("unknown action kind %q", a.Kind)
	}
	if err := a.Author.Validate(); err != nil {
		return Reject("author: %v", err)
	}

	// Prev action presence: only dna is a root, and it is only a root.
	if a.Kind == ir.ActionDna {
		if a.Seq != 0 || a.PrevAction != "" {
			return Reject("dna action must be at seq 0 without prev action")
		}
	} else {
		if a.Seq == 0 {
			return Reject("only a dna action may be at seq 0")
		}
		if a.PrevAction == "" {
			return Reject("%s action at seq %d has no prev action", a.Kind, a.Seq)
		}
	}

	switch a.Kind {
	case ir.ActionCreate, ir.ActionUpdate:
		if a.EntryType == nil || a.EntryHash == "" {
			return Reject("%s action must name an entry type and entry hash", a.Kind)
		}
		if err := a.EntryType.Validate(); err != nil {
			return Reject("%v", err)
		}
		if a.EntryType.Kind == ir.EntryApp && v.manifest != nil {
			def, ok := v.manifest.EntryDef(a.EntryType.ZomeIndex, a.EntryType.EntryIndex)
			if !ok {
				return Reject("unknown app entry type %d/%d", a.EntryType.ZomeIndex, a.EntryType.EntryIndex)
			}
			if def.Visibility != a.EntryType.Visibility {
				return Reject("entry type %s is declared %s, action says %s", def.Name, def.Visibility, a.EntryType.Visibility)
			}
		}
		if a.Kind == ir.ActionUpdate && (a.OriginalAction == "" || a.OriginalEntry == "") {
			return Reject("update must name the original action and entry")
		}
	case ir.ActionDelete:
		if a.DeletesAction == "" || a.DeletesEntry == "" {
			return Reject("delete must name the deleted action and entry")
		}
	case ir.ActionCreateLink:
		if a.Base == "" || a.Target == "" {
			return Reject("create link must name a base and target")
		}
		if len(a.Tag) >= ir.MaxTagSize {
			return Reject("link tag size %d is not below %d", len(a.Tag), ir.MaxTagSize)
		}
		if v.manifest != nil {
			if _, ok := v.manifest.LinkType(a.ZomeIndex, a.LinkType); !ok {
				return Reject("unknown link type %d/%d", a.ZomeIndex, a.LinkType)
			}
		}
	case ir.ActionDeleteLink:
		if a.LinkAddAddress == "" || a.Base == "" {
			return Reject("delete link must name the link add action and base")
		}
	}
	return Accept()
}

// checkEntry validates an entry carried by an op of a.
func (v *Validator) checkEntry(a ir.Action, e ir.Entry) Outcome {
	if a.EntryType == nil {
		return Reject("entry carried by %s action without entry type", a.Kind)
	}
	if a.EntryType.Kind != e.Kind {
		return Reject("entry kind %s does not match entry type %s", e.Kind, a.EntryType.Kind)
	}
	if size := e.Size(); size >= ir.MaxEntrySize {
		return Reject("entry size %d is not below %d", size, ir.MaxEntrySize)
	}
	if err := e.Validate(); err != nil {
		return Reject("%v", err)
	}
	h, err := e.Hash()
	if err != nil {
		return Reject("entry: %v", err)
	}
	if h != a.EntryHash {
		return Reject("entry hash %s does not match action entry hash %s", ir.Short(h), ir.Short(a.EntryHash))
	}
	if a.Kind == ir.ActionCreate && e.Kind == ir.EntryAgent && e.Agent != a.Author {
		return Reject("agent entry %s is not the author", ir.Short(e.Agent))
	}
	return Accept()
}

// checkDeps resolves every dependency of a, then checks a against them.
// All missing hashes are reported together so they are fetched in one go.
func (v *Validator) checkDeps(ctx context.Context, a ir.Action) (Outcome, error) {
	resolved := make(map[ir.ActionHash]ir.Action)
	var missing []ir.AnyHash
	for _, h := range a.Dependencies() {
		sa, found, err := v.deps.Action(ctx, h)
		if err != nil {
			return Outcome{}, fmt.Errorf("resolve %s: %w", ir.Short(h), err)
		}
		if !found {
			missing = append(missing, ir.AnyHash(h))
			continue
		}
		resolved[h] = sa.Action
	}
	if len(missing) > 0 {
		return Missing(missing...), nil
	}

	if a.PrevAction != "" {
		if out := checkPrev(a, resolved[a.PrevAction]); !out.IsAccepted() {
			return out, nil
		}
	}

	switch a.Kind {
	case ir.ActionUpdate:
		orig := resolved[a.OriginalAction]
		if orig.Kind != ir.ActionCreate && orig.Kind != ir.ActionUpdate {
			return Reject("update original is a %s action", orig.Kind), nil
		}
		if orig.EntryHash != a.OriginalEntry {
			return Reject("update original entry does not match the original action"), nil
		}
		if orig.EntryType == nil || *orig.EntryType != *a.EntryType {
			return Reject("update changes the entry type"), nil
		}
	case ir.ActionDelete:
		deleted := resolved[a.DeletesAction]
		if deleted.Kind != ir.ActionCreate && deleted.Kind != ir.ActionUpdate {
			return Reject("delete target is a %s action", deleted.Kind), nil
		}
		if deleted.EntryHash != a.DeletesEntry {
			return Reject("delete entry does not match the deleted action"), nil
		}
	case ir.ActionDeleteLink:
		add := resolved[a.LinkAddAddress]
		if add.Kind != ir.ActionCreateLink {
			return Reject("delete link target is a %s action", add.Kind), nil
		}
		if add.Base != a.Base {
			return Reject("delete link base does not match the link"), nil
		}
	}
	return Accept(), nil
}

// checkPrev checks a against its resolved previous action.
func checkPrev(a, prev ir.Action) Outcome {
	if prev.Author != a.Author {
		return Reject("prev action has a different author")
	}
	if a.Timestamp < prev.Timestamp {
		return Reject("timestamp %d is before prev action timestamp %d", a.Timestamp, prev.Timestamp)
	}
	if a.Seq != prev.Seq+1 {
		return Reject("seq %d does not follow prev seq %d", a.Seq, prev.Seq)
	}
	isAgentEntry := (a.Kind == ir.ActionCreate || a.Kind == ir.ActionUpdate) &&
		a.EntryType != nil && a.EntryType.Kind == ir.EntryAgent
	if isAgentEntry && prev.Kind != ir.ActionAgentValidationPkg {
		return Reject("agent entry must directly follow agent_validation_pkg, prev is %s", prev.Kind)
	}
	return Accept()
}

// validateWarrant checks a warrant's claim. Signature verification of the
// warrant itself happens at intake.
func (v *Validator) validateWarrant(ctx context.Context, w ir.Warrant) (Outcome, error) {
	if _, err := w.Canonical(); err != nil {
		return Reject("%v", err), nil
	}
	if err := w.Target.Validate(); err != nil {
		return Reject("warrant target: %v", err), nil
	}

	resolved := make([]ir.SignedAction, 0, len(w.Actions))
	var missing []ir.AnyHash
	for _, wa := range w.Actions {
		sa, found, err := v.deps.Action(ctx, wa.Hash)
		if err != nil {
			return Outcome{}, fmt.Errorf("resolve warranted %s: %w", ir.Short(wa.Hash), err)
		}
		if !found {
			missing = append(missing, ir.AnyHash(wa.Hash))
			continue
		}
		resolved = append(resolved, sa)
	}
	if len(missing) > 0 {
		return Missing(missing...), nil
	}

	for i, wa := range w.Actions {
		a := resolved[i].Action
		if a.Author != w.Target {
			return Reject("warranted action %s is not by the target", ir.Short(wa.Hash)), nil
		}
		if !keystore.VerifyActionSignature(a, wa.Signature) {
			return Reject("warranted action %s signature does not verify", ir.Short(wa.Hash)), nil
		}
	}

	switch w.Kind {
	case ir.WarrantInvalidAction:
		return v.checkInvalidActionWarrant(ctx, w.Actions[0].Hash, resolved[0])
	case ir.WarrantChainFork:
		a, b := resolved[0].Action, resolved[1].Action
		if w.Actions[0].Hash == w.Actions[1].Hash {
			return Reject("fork warrant names the same action twice"), nil
		}
		if a.Seq != b.Seq {
			return Reject("fork warrant actions are at seq %d and %d", a.Seq, b.Seq), nil
		}
		return Accept(), nil
	default:
		return Reject("unknown warrant kind %q", w.Kind), nil
	}
}

// checkInvalidActionWarrant accepts the warrant only when the warranted
// action is itself invalid: integrated here as rejected, or failing the
// structural checks. A structurally valid action with no local verdict
// yet is waited on, since its agent-activity op shares the warrant's
// basis and will be integrated here.
func (v *Validator) checkInvalidActionWarrant(ctx context.Context, hash ir.ActionHash, sa ir.SignedAction) (Outcome, error) {
	validity, err := v.deps.Validity(ctx, hash)
	if err != nil {
		return Outcome{}, fmt.Errorf("warranted validity: %w", err)
	}
	switch validity {
	case ir.StatusRejected:
		return Accept(), nil
	case ir.StatusValid:
		return Reject("warranted action %s is valid", ir.Short(hash)), nil
	}

	out, err := v.ValidateAction(ctx, sa)
	if err != nil {
		return Outcome{}, err
	}
	switch out.Verdict {
	case Rejected:
		return Accept(), nil
	case MissingDep:
		return out, nil
	default:
		return Missing(ir.AnyHash(hash)), nil
	}
}
