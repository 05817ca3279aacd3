// Package network declares the collaborators the integrity pipeline needs
// from the networking layer, and an in-memory implementation.
//
// Gossip, peer discovery and arc assignment live outside this module. The
// pipeline only needs to publish ops to the authorities of a basis, send
// validation receipts to authors, fetch missing dependencies and know
// which storage arcs this node is responsible for.
package network

import (
	"context"
	"errors"

	"github.com/roach88/dhtcore/internal/ir"
)

// ErrUnknownPeer is returned when a message is addressed to an agent the
// transport cannot reach.
var ErrUnknownPeer = errors.New("unknown peer")

// Transport delivers ops and receipts to other nodes.
type Transport interface {
	// Publish sends ops stored at basis to the authorities for basis.
	Publish(ctx context.Context, basis ir.AnyHash, ops []ir.ClaimedOp) error
	// SendReceipt sends a validation receipt to the op's author.
	SendReceipt(ctx context.Context, to ir.AgentKey, r ir.SignedReceipt) error
}

// Fetcher retrieves records for action hashes from the network. Hashes
// nobody holds are simply absent from the result.
type Fetcher interface {
	Fetch(ctx context.Context, hashes []ir.AnyHash) ([]ir.Record, error)
}

// Responsibility reports the storage arcs this node currently covers.
type Responsibility interface {
	Arcs() ir.ArcSet
}

// StaticResponsibility is a fixed arc set.
type StaticResponsibility ir.ArcSet

// Arcs returns the fixed arcs.
func (s StaticResponsibility) Arcs() ir.ArcSet {
	return ir.ArcSet(s)
}

// FullResponsibility covers the whole location space.
var FullResponsibility = StaticResponsibility{ir.FullArc}

// Handler is the receiving side of a node: the loopback hub calls it to
// deliver what other nodes send.
type Handler interface {
	// HandleOps admits ops published by another node.
	HandleOps(ctx context.Context, ops []ir.ClaimedOp) error
	// HandleReceipt records a receipt for an op this node authored.
	HandleReceipt(ctx context.Context, r ir.SignedReceipt) error
	// ServeRecords answers fetch requests from other nodes.
	ServeRecords(ctx context.Context, hashes []ir.AnyHash) ([]ir.Record, error)
}
