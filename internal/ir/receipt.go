package ir

// ValidationStatus is the definite per-op outcome after integration.
type ValidationStatus string

const (
	StatusValid    ValidationStatus = "valid"
	StatusRejected ValidationStatus = "rejected"
)

// ValidationReceipt is a validator's signed statement about one op,
// sent back to the op's author after integration.
type ValidationReceipt struct {
	OpHash    OpHash           `json:"op_hash"`
	Validator AgentKey         `json:"validator"`
	Status    ValidationStatus `json:"status"`
	When      Timestamp        `json:"when"`
}

// SigningBytes returns the canonical bytes covered by the validator's signature.
func (r ValidationReceipt) SigningBytes() ([]byte, error) {
	return MarshalCanonical(map[string]any{
		"domain":    DomainReceipt,
		"op_hash":   string(r.OpHash),
		"validator": string(r.Validator),
		"status":    string(r.Status),
		"when":      int64(r.When),
	})
}

// SignedReceipt is a receipt with the validator's signature.
type SignedReceipt struct {
	Receipt   ValidationReceipt `json:"receipt"`
	Signature []byte            `json:"signature"`
}
