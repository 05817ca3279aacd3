package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/dhtcore/internal/cache"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
)

// localDeps resolves dependencies from the store (integrated, limbo and
// authored actions) and then from the fetch cache.
type localDeps struct {
	store *store.Store
	cache *cache.Cache
}

// Action implements sysvalidate.Deps.
func (d localDeps) Action(ctx context.Context, hash ir.ActionHash) (ir.SignedAction, bool, error) {
	sa, err := d.store.LookupAction(ctx, hash)
	if err == nil {
		return sa.Action, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ir.SignedAction{}, false, err
	}
	if d.cache == nil {
		return ir.SignedAction{}, false, nil
	}
	return d.cache.Action(hash)
}

// Validity implements sysvalidate.Deps.
func (d localDeps) Validity(ctx context.Context, hash ir.ActionHash) (ir.ValidationStatus, error) {
	return d.store.ActionValidity(ctx, hash)
}

// keyedMutex serializes work per key. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live keys.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// deferOp records a failed attempt for an op waiting on dependencies. If
// the op's basis has left our arcs the wait is pointless and the op is
// dropped from limbo instead; dropped reports which happened.
func deferOp(ctx context.Context, st *store.Store, resp network.Responsibility, l store.LimboOp, now ir.Timestamp) (dropped bool, err error) {
	if !resp.Arcs().Covers(l.Basis) {
		if err := st.DropLimbo(ctx, l.Hash); err != nil {
			return false, storageError("drop limbo", err)
		}
		return true, nil
	}
	if err := st.RecordAttempt(ctx, l.Hash, now); err != nil {
		return false, storageError("record attempt", err)
	}
	return false, nil
}
