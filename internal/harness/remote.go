package harness

import (
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
)

// remoteAgent authors a chain outside any node. Its ops reach nodes only
// through receive and tamper steps, so it can send what an honest node
// would refuse to author.
type remoteAgent struct {
	signer  *keystore.Ed25519Signer
	head    ir.ActionHash
	seq     uint32
	started bool
	now     ir.Timestamp
}

type chainState struct {
	head    ir.ActionHash
	seq     uint32
	started bool
}

func newRemoteAgent(label string, start ir.Timestamp) (*remoteAgent, error) {
	s, err := deriveSigner(label)
	if err != nil {
		return nil, err
	}
	return &remoteAgent{signer: s, now: start}, nil
}

func (r *remoteAgent) key() ir.AgentKey {
	return r.signer.Agent()
}

func (r *remoteAgent) save() chainState {
	return chainState{head: r.head, seq: r.seq, started: r.started}
}

func (r *remoteAgent) restore(s chainState) {
	r.head, r.seq, r.started = s.head, s.seq, s.started
}

// next signs an action of kind linked to the current head.
func (r *remoteAgent) next(kind ir.ActionKind, mutate func(*ir.Action)) (ir.SignedAction, error) {
	act := ir.Action{Kind: kind, Author: r.key(), Timestamp: r.now}
	if r.started {
		act.Seq = r.seq + 1
		act.PrevAction = r.head
	}
	if mutate != nil {
		mutate(&act)
	}
	sa, err := keystore.SignAction(r.signer, act)
	if err != nil {
		return ir.SignedAction{}, err
	}
	h, err := sa.Hash()
	if err != nil {
		return ir.SignedAction{}, err
	}
	r.head, r.seq, r.started = h, act.Seq, true
	r.now++
	return sa, nil
}

// genesis authors dna, agent_validation_pkg and the agent entry.
func (r *remoteAgent) genesis() ([]ir.ChainOp, error) {
	if r.started {
		return nil, fmt.Errorf("remote agent %s already has a chain", ir.Short(r.key()))
	}
	var ops []ir.ChainOp
	dna, err := r.next(ir.ActionDna, func(a *ir.Action) { a.DnaHash = "dna-harness" })
	if err != nil {
		return nil, err
	}
	avp, err := r.next(ir.ActionAgentValidationPkg, nil)
	if err != nil {
		return nil, err
	}
	for _, sa := range []ir.SignedAction{dna, avp} {
		out, err := ir.ProduceOps(ir.TransformInput{Action: sa})
		if err != nil {
			return nil, err
		}
		ops = append(ops, out...)
	}
	_, out, err := r.createEntry(ir.AgentEntry(r.key()), ir.EntryType{Kind: ir.EntryAgent, Visibility: ir.Public})
	if err != nil {
		return nil, err
	}
	return append(ops, out...), nil
}

// create authors a public app entry.
func (r *remoteAgent) create(payload []byte) (ir.SignedAction, []ir.ChainOp, error) {
	return r.createEntry(ir.AppEntry(payload), ir.EntryType{Kind: ir.EntryApp, Visibility: ir.Public})
}

func (r *remoteAgent) createEntry(entry ir.Entry, et ir.EntryType) (ir.SignedAction, []ir.ChainOp, error) {
	eh, err := entry.Hash()
	if err != nil {
		return ir.SignedAction{}, nil, err
	}
	sa, err := r.next(ir.ActionCreate, func(a *ir.Action) {
		a.EntryType = &et
		a.EntryHash = eh
	})
	if err != nil {
		return ir.SignedAction{}, nil, err
	}
	ops, err := ir.ProduceOps(ir.TransformInput{Action: sa, Entry: &entry})
	return sa, ops, err
}

// link authors a CreateLink. No size or app rules are applied.
func (r *remoteAgent) link(base, target ir.AnyHash, linkType uint8, tag []byte) (ir.SignedAction, []ir.ChainOp, error) {
	sa, err := r.next(ir.ActionCreateLink, func(a *ir.Action) {
		a.Base = base
		a.Target = target
		a.LinkType = linkType
		a.Tag = tag
	})
	if err != nil {
		return ir.SignedAction{}, nil, err
	}
	ops, err := ir.ProduceOps(ir.TransformInput{Action: sa})
	return sa, ops, err
}

// fork authors two different Creates at the same sequence number.
func (r *remoteAgent) fork(payload []byte) ([]ir.ChainOp, error) {
	before := r.save()
	_, first, err := r.create(append(append([]byte{}, payload...), 'a'))
	if err != nil {
		return nil, err
	}
	after := r.save()
	r.restore(before)
	_, second, err := r.create(append(append([]byte{}, payload...), 'b'))
	if err != nil {
		return nil, err
	}
	// Later actions extend the first branch.
	r.restore(after)
	return append(first, second...), nil
}

// forged returns ops for a new Create, claimed and then corrupted by
// forge. The agent's chain does not advance.
func (r *remoteAgent) forged(forge string) ([]ir.ClaimedOp, error) {
	before := r.save()
	defer r.restore(before)

	_, ops, err := r.create([]byte("genuine"))
	if err != nil {
		return nil, err
	}
	claimed, err := claimAll(ops)
	if err != nil {
		return nil, err
	}

	switch forge {
	case ForgeSignature:
		op := *claimed[0].Op.Chain
		op.Action.Signature = append([]byte{}, op.Action.Signature...)
		op.Action.Signature[0] ^= 0xff
		claimed[0].Op = ir.DhtOp{Chain: &op}
	case ForgeEntryHash:
		swapped := ir.AppEntry([]byte("swapped"))
		for i := range claimed {
			op := *claimed[i].Op.Chain
			if op.Entry != nil {
				op.Entry = &swapped
				claimed[i].Op = ir.DhtOp{Chain: &op}
			}
		}
	case ForgeClaimedHash:
		if len(claimed) < 2 {
			return nil, fmt.Errorf("forge %s: need two ops", forge)
		}
		claimed[0].Hash = claimed[len(claimed)-1].Hash
	default:
		return nil, fmt.Errorf("unknown forge %q", forge)
	}
	return claimed, nil
}

func claimAll(ops []ir.ChainOp) ([]ir.ClaimedOp, error) {
	out := make([]ir.ClaimedOp, 0, len(ops))
	for i := range ops {
		c, err := ir.Claim(ir.DhtOp{Chain: &ops[i]})
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
