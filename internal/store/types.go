package store

import (
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// Stage is a limbo op's position in the validation pipeline.
type Stage string

const (
	StagePendingSys          Stage = "pending_sys"
	StagePendingApp          Stage = "pending_app"
	StageAwaitingIntegration Stage = "awaiting_integration"
)

// Outcome is a per-stage validation result. The zero value means unset.
type Outcome string

const (
	OutcomeUnset    Outcome = ""
	OutcomeValid    Outcome = "valid"
	OutcomeRejected Outcome = "rejected"
)

// LimboOp is one row of the limbo table.
type LimboOp struct {
	Hash           ir.OpHash
	Op             ir.DhtOp
	Kind           ir.OpKind
	ActionHash     ir.ActionHash // empty for warrants
	Basis          ir.AnyHash
	Author         ir.AgentKey
	ActionSeq      uint32
	Stage          Stage
	SysOutcome     Outcome
	SysReason      string
	AppOutcome     Outcome
	AppReason      string
	RequireReceipt bool
	NumAttempts    int
	LastAttempt    ir.Timestamp
	WhenReceived   ir.Timestamp
}

// NewLimboOp derives the indexed columns of a freshly admitted op.
// The hash must already have been verified against op.
func NewLimboOp(hash ir.OpHash, op ir.DhtOp, fromNetwork bool, now ir.Timestamp) (LimboOp, error) {
	basis, err := op.Basis()
	if err != nil {
		return LimboOp{}, fmt.Errorf("limbo op: %w", err)
	}
	l := LimboOp{
		Hash:           hash,
		Op:             op,
		Kind:           op.Kind(),
		Basis:          basis,
		Author:         op.Author(),
		Stage:          StagePendingSys,
		RequireReceipt: fromNetwork,
		WhenReceived:   now,
	}
	if op.Chain != nil {
		ah, err := op.Chain.Action.Hash()
		if err != nil {
			return LimboOp{}, fmt.Errorf("limbo op: %w", err)
		}
		l.ActionHash = ah
		l.ActionSeq = op.Chain.Action.Action.Seq
	}
	return l, nil
}

// ValidationStatus is the definite status this op integrates with:
// valid iff both outcomes are valid.
func (l LimboOp) ValidationStatus() ir.ValidationStatus {
	if l.SysOutcome == OutcomeValid && l.AppOutcome == OutcomeValid {
		return ir.StatusValid
	}
	return ir.StatusRejected
}

// ReadyToIntegrate reports whether both outcomes are set, or the structural
// outcome is a rejection (terminal, so app validation never runs).
func (l LimboOp) ReadyToIntegrate() bool {
	if l.Stage != StageAwaitingIntegration {
		return false
	}
	if l.SysOutcome == OutcomeRejected {
		return true
	}
	return l.SysOutcome != OutcomeUnset && l.AppOutcome != OutcomeUnset
}

// StoredAction is an action row with its aggregated validity.
// Validity is empty until the first op for the action integrates.
type StoredAction struct {
	Action   ir.SignedAction
	Validity ir.ValidationStatus
	// Authored is true when the action came from the authored store.
	Authored bool
}

// Link is one live row of the link index.
type Link struct {
	CreateLinkHash ir.ActionHash `json:"create_link_hash"`
	Base           ir.AnyHash    `json:"base"`
	Target         ir.AnyHash    `json:"target"`
	ZomeIndex      uint8         `json:"zome_index"`
	LinkType       uint8         `json:"link_type"`
	Tag            []byte        `json:"tag"`
	Author         ir.AgentKey   `json:"author"`
	Timestamp      ir.Timestamp  `json:"timestamp"`
}

// ReceiptOwed is a receipt the integrator must sign and send after commit.
type ReceiptOwed struct {
	OpHash ir.OpHash
	Author ir.AgentKey
	Status ir.ValidationStatus
}

// IntegrationResult reports what one IntegrateBatch call committed.
type IntegrationResult struct {
	Integrated int
	Receipts   []ReceiptOwed
	// Validity is the recomputed aggregated verdict per touched action.
	Validity map[ir.ActionHash]ir.ValidationStatus
}

// AuthoredOp is an op this node authored, with its publish state.
type AuthoredOp struct {
	Hash             ir.OpHash
	Op               ir.DhtOp
	Kind             ir.OpKind
	ActionHash       ir.ActionHash
	Basis            ir.AnyHash
	AuthoredAt       ir.Timestamp
	LastPublishTime  ir.Timestamp
	ReceiptCount     int
	ReceiptsComplete bool
	WithholdPublish  bool
	// IntegratedStatus is the status in the network ops table, or empty
	// when the op has not been integrated locally.
	IntegratedStatus ir.ValidationStatus
}

// ChainHead is the latest authored action of an agent.
type ChainHead struct {
	Hash      ir.ActionHash
	Seq       uint32
	Timestamp ir.Timestamp
}

// Status summarizes table sizes for the read API and CLI.
type Status struct {
	LimboPendingSys          int `json:"limbo_pending_sys"`
	LimboPendingApp          int `json:"limbo_pending_app"`
	LimboAwaitingIntegration int `json:"limbo_awaiting_integration"`
	OpsValid                 int `json:"ops_valid"`
	OpsRejected              int `json:"ops_rejected"`
	ActionsValid             int `json:"actions_valid"`
	ActionsRejected          int `json:"actions_rejected"`
	AuthoredOps              int `json:"authored_ops"`
	AuthoredUnpublished      int `json:"authored_unpublished"`
	Links                    int `json:"links"`
}
