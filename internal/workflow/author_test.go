package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/apphost"
	"github.com/roach88/dhtcore/internal/chainlock"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/store"
	"github.com/roach88/dhtcore/internal/testutil"
)

func initChain(t *testing.T, node *testNode) {
	t.Helper()
	_, err := node.Author().InitChain(context.Background(), "dna", nil)
	require.NoError(t, err)
}

func TestCommitLinksToHead(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "alice")
	genesis, err := node.Author().InitChain(ctx, "dna", []byte("proof"))
	require.NoError(t, err)
	require.Len(t, genesis, 3)

	node.clock.Advance(time.Second)
	sa, err := node.Author().Create(ctx, publicApp(), ir.AppEntry([]byte("note")))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), sa.Action.Seq)
	assert.Equal(t, actionHash(t, genesis[2]), sa.Action.PrevAction)
	assert.Equal(t, node.clock.Now(), sa.Action.Timestamp)

	head, found, err := node.store.ChainHead(ctx, node.Agent())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, actionHash(t, sa), head.Hash)
}

func TestCommitUpdateDeleteAndLinks(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "alice")
	initChain(t, node)
	a := node.Author()

	created, err := a.Create(ctx, publicApp(), ir.AppEntry([]byte("v1")))
	require.NoError(t, err)
	updated, err := a.Update(ctx, actionHash(t, created), ir.AppEntry([]byte("v2")))
	require.NoError(t, err)
	assert.Equal(t, created.Action.EntryHash, updated.Action.OriginalEntry)

	deleted, err := a.Delete(ctx, actionHash(t, updated))
	require.NoError(t, err)
	assert.Len(t, authoredFor(t, node.store, actionHash(t, deleted)), 3)

	base := ir.AnyHash(created.Action.EntryHash)
	link, err := a.CreateLink(ctx, base, "target", 0, 0, []byte("t"))
	require.NoError(t, err)
	node.drain(t)

	links, err := node.store.GetLinks(ctx, store.LinkQuery{Base: base})
	require.NoError(t, err)
	require.Len(t, links, 1)

	_, err = a.DeleteLink(ctx, actionHash(t, link))
	require.NoError(t, err)
	node.drain(t)

	links, err = node.store.GetLinks(ctx, store.LinkQuery{Base: base})
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestDeleteOfPrivateEntry(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "alice")
	initChain(t, node)

	private, err := node.Author().Create(ctx, ir.EntryType{Kind: ir.EntryApp, Visibility: ir.Private}, ir.AppEntry([]byte("secret")))
	require.NoError(t, err)
	assert.Len(t, authoredFor(t, node.store, actionHash(t, private)), 2)

	deleted, err := node.Author().Delete(ctx, actionHash(t, private))
	require.NoError(t, err)
	ops := authoredFor(t, node.store, actionHash(t, deleted))
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.NotEqual(t, ir.OpRegisterDeletedEntryAction, op.Kind)
	}
}

func TestCommitErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("structural", func(t *testing.T) {
		node := newTestNode(t, "alice")
		initChain(t, node)
		_, err := node.Author().CreateLink(ctx, "base", "target", 0, 0, make([]byte, ir.MaxTagSize))
		require.Error(t, err)
		assert.True(t, IsRejected(err))
		var we *Error
		require.True(t, errors.As(err, &we))
		assert.Equal(t, ErrCodeRejectedSys, we.Code)
	})

	t.Run("application", func(t *testing.T) {
		deny := apphost.HostFunc(func(_ context.Context, op ir.OpView) (apphost.Outcome, error) {
			if op.Action.Action.Kind == ir.ActionCreate && op.Entry != nil && op.Entry.Kind == ir.EntryApp {
				return apphost.Invalid("no app entries"), nil
			}
			return apphost.Valid(), nil
		})
		node := newTestNode(t, "alice", func(c *Config) { c.Host = deny })
		initChain(t, node)
		_, err := node.Author().Create(ctx, publicApp(), ir.AppEntry([]byte("x")))
		var we *Error
		require.True(t, errors.As(err, &we))
		assert.Equal(t, ErrCodeRejectedApp, we.Code)
	})

	t.Run("missing dependency", func(t *testing.T) {
		node := newTestNode(t, "alice")
		initChain(t, node)
		_, err := node.Author().Update(ctx, "uhCkkunknown", ir.AppEntry([]byte("x")))
		assert.True(t, IsMissingDependency(err))
	})

	t.Run("nothing written on failure", func(t *testing.T) {
		node := newTestNode(t, "alice")
		initChain(t, node)
		before, _, err := node.store.ChainHead(ctx, node.Agent())
		require.NoError(t, err)
		_, err = node.Author().CreateLink(ctx, "base", "target", 0, 0, make([]byte, ir.MaxTagSize))
		require.Error(t, err)
		after, _, err := node.store.ChainHead(ctx, node.Agent())
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestCommitRefusedWhileLocked(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "alice")
	initChain(t, node)

	expires := node.clock.Now() + ir.Timestamp(time.Minute.Microseconds())
	require.NoError(t, node.store.AcquireChainLock(ctx, node.Agent(), "other", expires, node.clock.Now()))

	_, err := node.Author().Create(ctx, publicApp(), ir.AppEntry([]byte("x")))
	assert.ErrorIs(t, err, ErrChainLocked)
	assert.ErrorIs(t, err, chainlock.ErrLocked)

	node.clock.Advance(2 * time.Minute)
	_, err = node.Author().Create(ctx, publicApp(), ir.AppEntry([]byte("x")))
	assert.NoError(t, err, "an expired lock is free")
}

func TestCountersignCompleteAfterApproval(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "alice")
	initChain(t, node)
	node.drain(t)
	node.transport.Reset()
	bob := testutil.NewAgent(t, "bob")
	cs := node.Countersign()

	entry := ir.AppEntry([]byte("contract"))
	eh, err := entry.Hash()
	require.NoError(t, err)
	sess, err := cs.Begin(ctx, Draft{
		Action: ir.Action{Kind: ir.ActionCreate, EntryType: &ir.EntryType{Kind: ir.EntryApp, Visibility: ir.Public}, EntryHash: eh},
		Entry:  &entry,
	}, []ir.AgentKey{bob.Key()})
	require.NoError(t, err)

	_, err = node.Author().Create(ctx, publicApp(), ir.AppEntry([]byte("interloper")))
	assert.ErrorIs(t, err, ErrChainLocked)

	err = cs.Approve(ctx, sess.ID, bob.Key(), []byte("not a signature"))
	assert.ErrorIs(t, err, ErrBadApproval)
	carol := testutil.NewAgent(t, "carol")
	err = cs.Approve(ctx, sess.ID, carol.Key(), SignApproval(carol.Signer, sess.ActionHash))
	assert.ErrorIs(t, err, ErrNotCounterparty)

	sa, err := cs.Complete(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ActionHash, actionHash(t, sa))
	for _, op := range authoredFor(t, node.store, sess.ActionHash) {
		assert.True(t, op.WithholdPublish)
	}

	node.drain(t)
	assert.Empty(t, node.transport.Publications(), "withheld until approved")

	_, err = node.Author().Create(ctx, publicApp(), ir.AppEntry([]byte("after")))
	require.NoError(t, err, "complete releases the lock")

	require.NoError(t, cs.Approve(ctx, sess.ID, bob.Key(), SignApproval(bob.Signer, sess.ActionHash)))
	node.drain(t)

	published := map[ir.OpHash]bool{}
	for _, h := range node.transport.PublishedOps() {
		published[h] = true
	}
	for _, op := range authoredFor(t, node.store, sess.ActionHash) {
		assert.False(t, op.WithholdPublish)
		assert.True(t, published[op.Hash], "op %s published", op.Kind)
	}
	_, err = node.store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCountersignAbandonAndExpiry(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "alice")
	initChain(t, node)
	cs := node.Countersign()
	bob := testutil.NewAgent(t, "bob")
	entry := ir.AppEntry([]byte("contract"))
	eh, err := entry.Hash()
	require.NoError(t, err)
	draft := Draft{
		Action: ir.Action{Kind: ir.ActionCreate, EntryType: &ir.EntryType{Kind: ir.EntryApp, Visibility: ir.Public}, EntryHash: eh},
		Entry:  &entry,
	}
	head, _, err := node.store.ChainHead(ctx, node.Agent())
	require.NoError(t, err)

	t.Run("abandon", func(t *testing.T) {
		sess, err := cs.Begin(ctx, draft, []ir.AgentKey{bob.Key()})
		require.NoError(t, err)
		require.NoError(t, cs.Abandon(ctx, sess.ID))

		after, _, err := node.store.ChainHead(ctx, node.Agent())
		require.NoError(t, err)
		assert.Equal(t, head, after, "abandon writes nothing")
		_, err = node.store.GetSession(ctx, sess.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("expired", func(t *testing.T) {
		sess, err := cs.Begin(ctx, draft, []ir.AgentKey{bob.Key()})
		require.NoError(t, err)
		node.clock.Advance(DefaultSessionTTL + time.Second)

		_, err = cs.Complete(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrSessionExpired)
		after, _, err := node.store.ChainHead(ctx, node.Agent())
		require.NoError(t, err)
		assert.Equal(t, head, after)
	})

	t.Run("second session refused", func(t *testing.T) {
		sess, err := cs.Begin(ctx, draft, []ir.AgentKey{bob.Key()})
		require.NoError(t, err)
		_, err = cs.Begin(ctx, draft, []ir.AgentKey{bob.Key()})
		assert.ErrorIs(t, err, ErrChainLocked)
		require.NoError(t, cs.Abandon(ctx, sess.ID))
	})
}
