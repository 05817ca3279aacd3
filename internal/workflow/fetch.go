package workflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/dhtcore/internal/cache"
	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/network"
)

// FetchQueue collects dependency hashes the validation workflows could
// not resolve. The fetch workflow drains it in the background.
type FetchQueue struct {
	mu      sync.Mutex
	pending map[ir.AnyHash]struct{}
	trigger *engine.Trigger
}

func newFetchQueue(trigger *engine.Trigger) *FetchQueue {
	return &FetchQueue{pending: make(map[ir.AnyHash]struct{}), trigger: trigger}
}

// Add queues hashes and wakes the fetch workflow.
func (q *FetchQueue) Add(hashes ...ir.AnyHash) {
	if len(hashes) == 0 {
		return
	}
	q.mu.Lock()
	for _, h := range hashes {
		q.pending[h] = struct{}{}
	}
	q.mu.Unlock()
	q.trigger.Fire()
}

// take removes and returns up to n queued hashes in sorted order.
func (q *FetchQueue) take(n int) []ir.AnyHash {
	q.mu.Lock()
	defer q.mu.Unlock()
	hashes := make([]ir.AnyHash, 0, len(q.pending))
	for h := range q.pending {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	if len(hashes) > n {
		hashes = hashes[:n]
	}
	for _, h := range hashes {
		delete(q.pending, h)
	}
	return hashes
}

// Len returns the number of queued hashes.
func (q *FetchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Fetch is the workflow that resolves queued dependencies through the
// network and stores verified records in the fetch cache.
type Fetch struct {
	queue   *FetchQueue
	fetcher network.Fetcher
	cache   *cache.Cache
	deps    localDeps
	batch   int
	log     *slog.Logger
}

// Run fetches one batch of queued hashes.
func (f *Fetch) Run(ctx context.Context) (engine.WorkResult, error) {
	hashes := f.queue.take(f.batch)
	if len(hashes) == 0 {
		return engine.WorkResult{}, nil
	}
	if f.fetcher == nil || f.cache == nil {
		f.log.Debug("No fetcher or cache configured, dropping requests", "count", len(hashes))
		return engine.WorkResult{}, nil
	}

	// Ops waiting on the validity of an action we already hold are
	// retried by the validation workflows, not by fetching it again.
	wanted := hashes[:0]
	for _, h := range hashes {
		_, found, err := f.deps.Action(ctx, ir.ActionHash(h))
		if err != nil {
			return engine.WorkResult{}, storageError("fetch lookup", err)
		}
		if !found {
			wanted = append(wanted, h)
		}
	}
	if len(wanted) == 0 {
		return engine.WorkResult{More: f.queue.Len() > 0}, nil
	}

	records, err := f.fetcher.Fetch(ctx, wanted)
	if err != nil {
		f.queue.Add(wanted...)
		return engine.WorkResult{}, err
	}

	stored := 0
	for _, rec := range records {
		// One record per call so a counterfeit copy cannot take the
		// genuine ones down with it.
		if err := f.cache.PutRecords([]ir.Record{rec}); err != nil {
			f.log.Warn("Dropping fetched record", "error", err)
			continue
		}
		stored++
	}
	f.log.Debug("Fetched dependencies", "requested", len(wanted), "stored", stored)
	return engine.WorkResult{
		Progressed: stored > 0,
		More:       f.queue.Len() > 0,
	}, nil
}
