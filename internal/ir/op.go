package ir

import "fmt"

// OpKind discriminates chain ops and warrant ops.
type OpKind string

const (
	OpStoreRecord                OpKind = "store_record"
	OpStoreEntry                 OpKind = "store_entry"
	OpRegisterAgentActivity      OpKind = "register_agent_activity"
	OpRegisterUpdatedContent     OpKind = "register_updated_content"
	OpRegisterUpdatedRecord      OpKind = "register_updated_record"
	OpRegisterDeletedBy          OpKind = "register_deleted_by"
	OpRegisterDeletedEntryAction OpKind = "register_deleted_entry_action"
	OpRegisterAddLink            OpKind = "register_add_link"
	OpRegisterRemoveLink         OpKind = "register_remove_link"
	OpWarrant                    OpKind = "warrant"
)

// IsChain reports whether k is one of the nine chain op kinds.
func (k OpKind) IsChain() bool {
	switch k {
	case OpStoreRecord, OpStoreEntry, OpRegisterAgentActivity,
		OpRegisterUpdatedContent, OpRegisterUpdatedRecord,
		OpRegisterDeletedBy, OpRegisterDeletedEntryAction,
		OpRegisterAddLink, OpRegisterRemoveLink:
		return true
	}
	return false
}

// IsEntryAddressed reports whether the op is stored at an entry hash.
// Private entries must never produce these.
func (k OpKind) IsEntryAddressed() bool {
	switch k {
	case OpStoreEntry, OpRegisterUpdatedContent, OpRegisterDeletedEntryAction:
		return true
	}
	return false
}

// ChainOp is one distributable unit derived from a signed action.
type ChainOp struct {
	Kind       OpKind       `json:"kind"`
	Action     SignedAction `json:"signed_action"`
	Entry      *Entry       `json:"entry,omitempty"`
	EntryState EntryState   `json:"entry_state"`
}

// ChainOpHash computes the op identity from kind and action only.
// Signature and entry are not part of the op identity.
func ChainOpHash(kind OpKind, a Action) (OpHash, error) {
	am, err := a.Canonical()
	if err != nil {
		return "", err
	}
	h, err := hashCanonical(DomainOp, map[string]any{
		"kind":   string(kind),
		"action": am,
	})
	if err != nil {
		return "", err
	}
	return OpHash(h), nil
}

// Hash computes the op's content address.
func (op ChainOp) Hash() (OpHash, error) {
	if !op.Kind.IsChain() {
		return "", fmt.Errorf("chain op: unknown kind %q", op.Kind)
	}
	return ChainOpHash(op.Kind, op.Action.Action)
}

// Basis returns the address at which the op is stored.
func (op ChainOp) Basis() (AnyHash, error) {
	a := op.Action.Action
	switch op.Kind {
	case OpStoreRecord:
		h, err := a.Hash()
		return AnyHash(h), err
	case OpStoreEntry:
		return AnyHash(a.EntryHash), nil
	case OpRegisterAgentActivity:
		return AnyHash(a.Author), nil
	case OpRegisterUpdatedContent:
		return AnyHash(a.OriginalEntry), nil
	case OpRegisterUpdatedRecord:
		return AnyHash(a.OriginalAction), nil
	case OpRegisterDeletedBy:
		return AnyHash(a.DeletesAction), nil
	case OpRegisterDeletedEntryAction:
		return AnyHash(a.DeletesEntry), nil
	case OpRegisterAddLink, OpRegisterRemoveLink:
		return AnyHash(a.Base), nil
	default:
		return "", fmt.Errorf("chain op: unknown kind %q", op.Kind)
	}
}

// DhtOp is the wire envelope for either a chain op or a warrant op.
// Exactly one of Chain and Warrant is set.
type DhtOp struct {
	Chain   *ChainOp   `json:"chain,omitempty"`
	Warrant *WarrantOp `json:"warrant,omitempty"`
}

// Kind returns the op kind.
func (d DhtOp) Kind() OpKind {
	if d.Warrant != nil {
		return OpWarrant
	}
	if d.Chain != nil {
		return d.Chain.Kind
	}
	return ""
}

// Hash computes the op's content address.
func (d DhtOp) Hash() (OpHash, error) {
	switch {
	case d.Chain != nil && d.Warrant == nil:
		return d.Chain.Hash()
	case d.Warrant != nil && d.Chain == nil:
		return d.Warrant.Warrant.Hash()
	default:
		return "", fmt.Errorf("dht op: exactly one of chain or warrant must be set")
	}
}

// Basis returns the address at which the op is stored.
func (d DhtOp) Basis() (AnyHash, error) {
	switch {
	case d.Chain != nil:
		return d.Chain.Basis()
	case d.Warrant != nil:
		return AnyHash(d.Warrant.Warrant.Target), nil
	default:
		return "", fmt.Errorf("dht op: empty envelope")
	}
}

// Author returns the agent that signed the op's outer content: the action
// author for chain ops, the warrantor for warrants.
func (d DhtOp) Author() AgentKey {
	switch {
	case d.Chain != nil:
		return d.Chain.Action.Action.Author
	case d.Warrant != nil:
		return d.Warrant.Warrant.Author
	default:
		return ""
	}
}

// ClaimedOp pairs an op with the hash the sender claims for it.
// The intake gate recomputes the hash and rejects mismatches.
type ClaimedOp struct {
	Hash OpHash `json:"hash"`
	Op   DhtOp  `json:"op"`
}

// Claim computes the hash of op and wraps it for transport.
func Claim(op DhtOp) (ClaimedOp, error) {
	h, err := op.Hash()
	if err != nil {
		return ClaimedOp{}, err
	}
	return ClaimedOp{Hash: h, Op: op}, nil
}

// OpView is the stable serializable view handed to application validation.
type OpView struct {
	Kind   OpKind       `json:"kind"`
	Action SignedAction `json:"signed_action"`
	Entry  *Entry       `json:"entry,omitempty"`
}

// View returns the application validation view of the op.
func (op ChainOp) View() OpView {
	return OpView{Kind: op.Kind, Action: op.Action, Entry: op.Entry}
}

// Canonical returns the canonical bytes of the view for hosts that need bytes.
func (v OpView) Canonical() ([]byte, error) {
	am, err := v.Action.Action.Canonical()
	if err != nil {
		return nil, err
	}
	m := map[string]any{
		"kind":      string(v.Kind),
		"action":    am,
		"signature": v.Action.Signature,
	}
	if v.Entry != nil {
		em, err := v.Entry.Canonical()
		if err != nil {
			return nil, err
		}
		m["entry"] = em
	}
	return MarshalCanonical(m)
}
