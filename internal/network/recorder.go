package network

import (
	"context"
	"sync"

	"github.com/roach88/dhtcore/internal/ir"
)

// Publication is one Publish call seen by a Recorder.
type Publication struct {
	Basis ir.AnyHash
	Ops   []ir.ClaimedOp
}

// ReceiptDelivery is one SendReceipt call seen by a Recorder.
type ReceiptDelivery struct {
	To      ir.AgentKey
	Receipt ir.SignedReceipt
}

// Recorder is a Transport that records every call instead of sending.
// When Err is set, calls are recorded and then fail with Err.
type Recorder struct {
	mu           sync.Mutex
	publications []Publication
	receipts     []ReceiptDelivery
	Err          error
}

var _ Transport = (*Recorder)(nil)

// Publish records the call.
func (r *Recorder) Publish(_ context.Context, basis ir.AnyHash, ops []ir.ClaimedOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publications = append(r.publications, Publication{Basis: basis, Ops: append([]ir.ClaimedOp{}, ops...)})
	return r.Err
}

// SendReceipt records the call.
func (r *Recorder) SendReceipt(_ context.Context, to ir.AgentKey, rc ir.SignedReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, ReceiptDelivery{To: to, Receipt: rc})
	return r.Err
}

// Publications returns a copy of the recorded publications.
func (r *Recorder) Publications() []Publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Publication{}, r.publications...)
}

// PublishedOps returns every op hash published so far, in call order.
func (r *Recorder) PublishedOps() []ir.OpHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	hashes := []ir.OpHash{}
	for _, p := range r.publications {
		for _, op := range p.Ops {
			hashes = append(hashes, op.Hash)
		}
	}
	return hashes
}

// Receipts returns a copy of the recorded receipts.
func (r *Recorder) Receipts() []ReceiptDelivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReceiptDelivery{}, r.receipts...)
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publications = nil
	r.receipts = nil
}

// RecordSet is a Fetcher serving a fixed set of records.
type RecordSet struct {
	mu      sync.Mutex
	records map[ir.AnyHash]ir.Record
	// Requests counts Fetch calls.
	Requests int
}

var _ Fetcher = (*RecordSet)(nil)

// NewRecordSet creates a fetcher serving records.
func NewRecordSet(records ...ir.Record) *RecordSet {
	s := &RecordSet{records: make(map[ir.AnyHash]ir.Record)}
	for _, r := range records {
		s.Add(r)
	}
	return s
}

// Add makes a record available. Records whose action cannot be hashed are
// ignored.
func (s *RecordSet) Add(r ir.Record) {
	h, err := r.Action.Hash()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[ir.AnyHash(h)] = r
}

// Fetch returns the known records among hashes.
func (s *RecordSet) Fetch(_ context.Context, hashes []ir.AnyHash) ([]ir.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests++
	out := []ir.Record{}
	for _, h := range hashes {
		if r, ok := s.records[h]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}
