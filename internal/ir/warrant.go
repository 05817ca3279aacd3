package ir

import "fmt"

// WarrantKind discriminates the warrant proofs.
type WarrantKind string

const (
	// WarrantInvalidAction claims a single action is invalid.
	WarrantInvalidAction WarrantKind = "invalid_action"
	// WarrantChainFork claims two actions share an author and sequence number.
	WarrantChainFork WarrantKind = "chain_fork"
)

// WarrantedAction is the evidence for one warranted action.
type WarrantedAction struct {
	Hash      ActionHash `json:"hash"`
	Signature []byte     `json:"signature"`
}

// Warrant is a claim by Author that Target violated integrity rules.
type Warrant struct {
	Kind      WarrantKind       `json:"kind"`
	Author    AgentKey          `json:"author"`
	Timestamp Timestamp         `json:"timestamp"`
	Target    AgentKey          `json:"target"`
	Actions   []WarrantedAction `json:"actions"`
}

// Canonical returns the canonical map form used for hashing and signing.
func (w Warrant) Canonical() (map[string]any, error) {
	switch w.Kind {
	case WarrantInvalidAction:
		if len(w.Actions) != 1 {
			return nil, fmt.Errorf("warrant: invalid_action requires 1 action, got %d", len(w.Actions))
		}
	case WarrantChainFork:
		if len(w.Actions) != 2 {
			return nil, fmt.Errorf("warrant: chain_fork requires 2 actions, got %d", len(w.Actions))
		}
	default:
		return nil, fmt.Errorf("warrant: unknown kind %q", w.Kind)
	}
	actions := make([]any, len(w.Actions))
	for i, a := range w.Actions {
		actions[i] = map[string]any{
			"hash":      string(a.Hash),
			"signature": a.Signature,
		}
	}
	return map[string]any{
		"kind":      string(w.Kind),
		"author":    string(w.Author),
		"timestamp": int64(w.Timestamp),
		"target":    string(w.Target),
		"actions":   actions,
	}, nil
}

// SigningBytes returns the canonical bytes covered by the warrantor's signature.
func (w Warrant) SigningBytes() ([]byte, error) {
	m, err := w.Canonical()
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(m)
}

// Hash computes the warrant op's content address.
func (w Warrant) Hash() (OpHash, error) {
	b, err := w.SigningBytes()
	if err != nil {
		return "", err
	}
	return OpHash(hashWithDomain(DomainWarrant, b)), nil
}

// WarrantOp is a warrant signed by its author.
type WarrantOp struct {
	Warrant   Warrant `json:"warrant"`
	Signature []byte  `json:"signature"`
}
