package ir

import "fmt"

// ActionKind discriminates the eight Action variants.
type ActionKind string

const (
	ActionDna                ActionKind = "dna"
	ActionAgentValidationPkg ActionKind = "agent_validation_pkg"
	ActionInitZomesComplete  ActionKind = "init_zomes_complete"
	ActionCreate             ActionKind = "create"
	ActionUpdate             ActionKind = "update"
	ActionDelete             ActionKind = "delete"
	ActionCreateLink         ActionKind = "create_link"
	ActionDeleteLink         ActionKind = "delete_link"
)

// Valid reports whether k is one of the known kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionDna, ActionAgentValidationPkg, ActionInitZomesComplete,
		ActionCreate, ActionUpdate, ActionDelete, ActionCreateLink, ActionDeleteLink:
		return true
	}
	return false
}

// Action is one authored unit of change on an agent's source chain.
//
// The struct is a flat tagged variant: common fields are always set and the
// remaining fields are populated according to Kind. Canonical() emits only
// the fields that belong to Kind, so unused fields never affect the hash.
type Action struct {
	Kind       ActionKind `json:"kind"`
	Author     AgentKey   `json:"author"`
	Timestamp  Timestamp  `json:"timestamp"`
	Seq        uint32     `json:"seq"`
	PrevAction ActionHash `json:"prev_action,omitempty"`

	// Dna
	DnaHash string `json:"dna_hash,omitempty"`

	// AgentValidationPkg
	MembraneProof []byte `json:"membrane_proof,omitempty"`

	// Create, Update
	EntryType *EntryType `json:"entry_type,omitempty"`
	EntryHash EntryHash  `json:"entry_hash,omitempty"`

	// Update
	OriginalAction ActionHash `json:"original_action,omitempty"`
	OriginalEntry  EntryHash  `json:"original_entry,omitempty"`

	// Delete
	DeletesAction ActionHash `json:"deletes_action,omitempty"`
	DeletesEntry  EntryHash  `json:"deletes_entry,omitempty"`

	// CreateLink, DeleteLink
	Base      AnyHash `json:"base,omitempty"`
	Target    AnyHash `json:"target,omitempty"`
	ZomeIndex uint8   `json:"zome_index,omitempty"`
	LinkType  uint8   `json:"link_type,omitempty"`
	Tag       []byte  `json:"tag,omitempty"`

	// DeleteLink
	LinkAddAddress ActionHash `json:"link_add_address,omitempty"`
}

// Canonical returns the canonical map form used for hashing and signing.
func (a Action) Canonical() (map[string]any, error) {
	if !a.Kind.Valid() {
		return nil, fmt.Errorf("action: unknown kind %q", a.Kind)
	}
	m := map[string]any{
		"kind":      string(a.Kind),
		"author":    string(a.Author),
		"timestamp": int64(a.Timestamp),
		"seq":       a.Seq,
	}
	if a.PrevAction != "" {
		m["prev_action"] = string(a.PrevAction)
	}

	switch a.Kind {
	case ActionDna:
		m["dna_hash"] = a.DnaHash
	case ActionAgentValidationPkg:
		if a.MembraneProof != nil {
			m["membrane_proof"] = a.MembraneProof
		}
	case ActionInitZomesComplete:
	case ActionCreate, ActionUpdate:
		if a.EntryType == nil {
			return nil, fmt.Errorf("action: %s requires an entry type", a.Kind)
		}
		m["entry_type"] = a.EntryType.Canonical()
		m["entry_hash"] = string(a.EntryHash)
		if a.Kind == ActionUpdate {
			m["original_action"] = string(a.OriginalAction)
			m["original_entry"] = string(a.OriginalEntry)
		}
	case ActionDelete:
		m["deletes_action"] = string(a.DeletesAction)
		m["deletes_entry"] = string(a.DeletesEntry)
	case ActionCreateLink:
		m["base"] = string(a.Base)
		m["target"] = string(a.Target)
		m["zome_index"] = a.ZomeIndex
		m["link_type"] = a.LinkType
		m["tag"] = a.Tag
	case ActionDeleteLink:
		m["base"] = string(a.Base)
		m["link_add_address"] = string(a.LinkAddAddress)
	}
	return m, nil
}

// SigningBytes returns the canonical bytes covered by the author's signature.
func (a Action) SigningBytes() ([]byte, error) {
	m, err := a.Canonical()
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(m)
}

// Hash computes the action's content address.
func (a Action) Hash() (ActionHash, error) {
	b, err := a.SigningBytes()
	if err != nil {
		return "", err
	}
	return ActionHash(hashWithDomain(DomainAction, b)), nil
}

// HasEntry reports whether the action references an entry.
func (a Action) HasEntry() bool {
	return a.Kind == ActionCreate || a.Kind == ActionUpdate
}

// IsGenesis reports whether the action is the first on a chain.
func (a Action) IsGenesis() bool {
	return a.Kind == ActionDna
}

// Dependencies lists the action hashes this action refers to and which
// must be resolvable before structural validation can decide.
func (a Action) Dependencies() []ActionHash {
	var deps []ActionHash
	if a.PrevAction != "" {
		deps = append(deps, a.PrevAction)
	}
	switch a.Kind {
	case ActionUpdate:
		deps = append(deps, a.OriginalAction)
	case ActionDelete:
		deps = append(deps, a.DeletesAction)
	case ActionDeleteLink:
		deps = append(deps, a.LinkAddAddress)
	}
	return deps
}

// SignedAction is an Action with the author's Ed25519 signature over
// SigningBytes().
type SignedAction struct {
	Action    Action `json:"action"`
	Signature []byte `json:"signature"`
}

// Hash computes the content address of the inner action.
// The signature is not part of the action's identity.
func (s SignedAction) Hash() (ActionHash, error) {
	return s.Action.Hash()
}
