package keystore

import (
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// SignAction signs a in the signer's name. The action's author must be
// the signer's agent.
func SignAction(s Signer, a ir.Action) (ir.SignedAction, error) {
	if a.Author != s.Agent() {
		return ir.SignedAction{}, fmt.Errorf("sign action: author %s is not signer %s",
			ir.Short(a.Author), ir.Short(s.Agent()))
	}
	b, err := a.SigningBytes()
	if err != nil {
		return ir.SignedAction{}, fmt.Errorf("sign action: %w", err)
	}
	return ir.SignedAction{Action: a, Signature: s.Sign(b)}, nil
}

// VerifyAction reports whether the signature verifies under the author.
func VerifyAction(sa ir.SignedAction) bool {
	b, err := sa.Action.SigningBytes()
	if err != nil {
		return false
	}
	return Verify(sa.Action.Author, b, sa.Signature)
}

// VerifyActionSignature checks a detached signature over a, as carried by
// warrant evidence.
func VerifyActionSignature(a ir.Action, sig []byte) bool {
	return VerifyAction(ir.SignedAction{Action: a, Signature: sig})
}

// SignWarrant signs w. The warrant's author must be the signer's agent.
func SignWarrant(s Signer, w ir.Warrant) (ir.WarrantOp, error) {
	if w.Author != s.Agent() {
		return ir.WarrantOp{}, fmt.Errorf("sign warrant: author is not signer")
	}
	b, err := w.SigningBytes()
	if err != nil {
		return ir.WarrantOp{}, fmt.Errorf("sign warrant: %w", err)
	}
	return ir.WarrantOp{Warrant: w, Signature: s.Sign(b)}, nil
}

// VerifyWarrant reports whether the warrant signature verifies under the
// warrantor.
func VerifyWarrant(w ir.WarrantOp) bool {
	b, err := w.Warrant.SigningBytes()
	if err != nil {
		return false
	}
	return Verify(w.Warrant.Author, b, w.Signature)
}

// SignReceipt signs a validation receipt as its validator.
func SignReceipt(s Signer, r ir.ValidationReceipt) (ir.SignedReceipt, error) {
	r.Validator = s.Agent()
	b, err := r.SigningBytes()
	if err != nil {
		return ir.SignedReceipt{}, fmt.Errorf("sign receipt: %w", err)
	}
	return ir.SignedReceipt{Receipt: r, Signature: s.Sign(b)}, nil
}

// VerifyReceipt reports whether the receipt signature verifies under the
// validator.
func VerifyReceipt(r ir.SignedReceipt) bool {
	b, err := r.Receipt.SigningBytes()
	if err != nil {
		return false
	}
	return Verify(r.Receipt.Validator, b, r.Signature)
}
