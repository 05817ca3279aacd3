package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/testutil"
)

func TestErrorHelpers(t *testing.T) {
	base := counterfeit("uhCkkop", "bad %s", "signature")
	wrapped := fmt.Errorf("batch: %w", base)

	assert.True(t, IsCounterfeit(wrapped))
	assert.False(t, IsMissingDependency(wrapped))
	assert.Contains(t, base.Error(), "COUNTERFEIT: bad signature")

	st := storageError("insert", assert.AnError)
	assert.True(t, IsStorage(st))
	assert.ErrorIs(t, st, assert.AnError)

	assert.True(t, IsRejected(&Error{Code: ErrCodeRejectedApp}))
	assert.True(t, IsRejected(&Error{Code: ErrCodeRejectedSys}))
	assert.False(t, IsRejected(assert.AnError))
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{Concurrency: 3}.withDefaults()
	assert.Equal(t, 3, s.Concurrency)
	assert.Equal(t, DefaultSysBatchSize, s.SysBatchSize)
	assert.Equal(t, DefaultMinPublishInterval, s.MinPublishInterval)
	assert.Equal(t, DefaultRequiredReceipts, s.RequiredReceipts)
	assert.Equal(t, 1, s.PublishBurst)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  = map[string]int{}
		overlap bool
	)
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%d", i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			mu.Lock()
			active[key]++
			if active[key] > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Zero(t, km.size(), "idle keys are dropped")
}

func TestFetchQueueTakesSorted(t *testing.T) {
	trig := engine.NewTrigger("fetch")
	q := newFetchQueue(trig)
	q.Add("c", "a", "b", "a")
	assert.True(t, trig.Pending())
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, []ir.AnyHash{"a", "b"}, q.take(2))
	assert.Equal(t, []ir.AnyHash{"c"}, q.take(2))
	assert.Empty(t, q.take(2))
}

func TestNewRequiresSignerAndStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Signer: testutil.NewAgent(t, "alice").Signer})
	assert.Error(t, err)
}

func TestRunProcessesInBackground(t *testing.T) {
	node := newTestNode(t, "bob")
	alice := testutil.NewAgent(t, "alice")
	ops := remoteChain(t, alice)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	node.receive(t, ops)
	require.Eventually(t, func() bool {
		st, err := node.store.Status(context.Background())
		return err == nil && st.OpsValid == len(ops)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	limbo, err := node.store.ListLimbo(context.Background())
	require.NoError(t, err)
	assert.Empty(t, limbo)
}

func TestServeRecords(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "alice")
	genesis, err := node.Author().InitChain(ctx, "dna", nil)
	require.NoError(t, err)
	private, err := node.Author().Create(ctx, ir.EntryType{Kind: ir.EntryApp, Visibility: ir.Private}, ir.AppEntry([]byte("secret")))
	require.NoError(t, err)

	records, err := node.ServeRecords(ctx, []ir.AnyHash{
		ir.AnyHash(actionHash(t, genesis[2])),
		ir.AnyHash(actionHash(t, private)),
		"uhCkkmissing",
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ir.EntryPresent, records[0].EntryState)
	assert.Equal(t, ir.EntryHidden, records[1].EntryState)
	assert.Nil(t, records[1].Entry)
}
