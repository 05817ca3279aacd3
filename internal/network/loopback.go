package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roach88/dhtcore/internal/ir"
)

// Hub connects in-process nodes. Every delivery passes through a shared
// rate limiter, standing in for network back-pressure.
type Hub struct {
	mu      sync.RWMutex
	peers   map[ir.AgentKey]*peer
	limiter *rate.Limiter
	log     *slog.Logger
}

type peer struct {
	handler Handler
	arcs    Responsibility
}

// NewHub creates a hub allowing r deliveries per second with burst b.
// Use rate.Inf for an unlimited hub.
func NewHub(r rate.Limit, b int) *Hub {
	return &Hub{
		peers:   make(map[ir.AgentKey]*peer),
		limiter: rate.NewLimiter(r, b),
		log:     slog.Default().With("component", "loopback"),
	}
}

// Join registers a node and returns its endpoint. Joining again replaces
// the previous registration.
func (h *Hub) Join(agent ir.AgentKey, handler Handler, arcs Responsibility) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[agent] = &peer{handler: handler, arcs: arcs}
	return &Loopback{hub: h, self: agent}
}

// Leave removes a node.
func (h *Hub) Leave(agent ir.AgentKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, agent)
}

// others returns every peer except self, in key order.
func (h *Hub) others(self ir.AgentKey) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]ir.AgentKey, 0, len(h.peers))
	for k := range h.peers {
		if k != self {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]*peer, len(keys))
	for i, k := range keys {
		out[i] = h.peers[k]
	}
	return out
}

func (h *Hub) lookup(agent ir.AgentKey) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[agent]
	return p, ok
}

// Loopback is one node's view of the hub. It implements Transport and
// Fetcher.
type Loopback struct {
	hub  *Hub
	self ir.AgentKey
}

var (
	_ Transport = (*Loopback)(nil)
	_ Fetcher   = (*Loopback)(nil)
)

// Publish delivers ops to every other node whose arcs cover basis.
func (l *Loopback) Publish(ctx context.Context, basis ir.AnyHash, ops []ir.ClaimedOp) error {
	loc := ir.Location(basis)
	var errs []error
	for _, p := range l.hub.others(l.self) {
		if !p.arcs.Arcs().Contains(loc) {
			continue
		}
		if err := l.hub.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		if err := p.handler.HandleOps(ctx, ops); err != nil {
			l.hub.log.Debug("Peer refused ops", "basis", ir.Short(basis), "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %w", ir.Short(basis), errors.Join(errs...))
	}
	return nil
}

// SendReceipt delivers r to its addressee.
func (l *Loopback) SendReceipt(ctx context.Context, to ir.AgentKey, r ir.SignedReceipt) error {
	p, ok := l.hub.lookup(to)
	if !ok {
		return fmt.Errorf("send receipt to %s: %w", ir.Short(to), ErrUnknownPeer)
	}
	if err := l.hub.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send receipt: %w", err)
	}
	return p.handler.HandleReceipt(ctx, r)
}

// Fetch asks every other node for hashes and merges the answers. The
// first copy of each record wins. Peer failures are logged and skipped.
func (l *Loopback) Fetch(ctx context.Context, hashes []ir.AnyHash) ([]ir.Record, error) {
	records := []ir.Record{}
	seen := make(map[ir.ActionHash]bool)
	for _, p := range l.hub.others(l.self) {
		if err := l.hub.limiter.Wait(ctx); err != nil {
			return records, fmt.Errorf("fetch: %w", err)
		}
		got, err := p.handler.ServeRecords(ctx, hashes)
		if err != nil {
			l.hub.log.Debug("Peer fetch failed", "error", err)
			continue
		}
		for _, rec := range got {
			h, err := rec.Action.Hash()
			if err != nil || seen[h] {
				continue
			}
			seen[h] = true
			records = append(records, rec)
		}
	}
	return records, nil
}
