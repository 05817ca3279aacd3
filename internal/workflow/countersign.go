package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/dhtcore/internal/chainlock"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/store"
)

var (
	// ErrSessionExpired is returned when a session is completed after its
	// lock expired. The session is abandoned.
	ErrSessionExpired = errors.New("countersigning session expired")
	// ErrSessionState is returned for an operation the session's state
	// does not allow.
	ErrSessionState = errors.New("countersigning session in wrong state")
	// ErrNotCounterparty is returned when an approval comes from an agent
	// the session does not name.
	ErrNotCounterparty = errors.New("not a counterparty of the session")
	// ErrBadApproval is returned when an approval signature does not
	// verify.
	ErrBadApproval = errors.New("approval signature does not verify")
)

// Countersign negotiates an action that counterparties must approve.
//
// Begin locks the chain for the session and prepares the action without
// writing it. Complete writes the action and its ops atomically and
// releases the lock; until every counterparty has approved, the ops are
// withheld from publishing. Abandon releases the lock without writing.
type Countersign struct {
	author *Author
	ttl    time.Duration
}

// SignApproval is what a counterparty sends to approve action hash.
func SignApproval(s keystore.Signer, hash ir.ActionHash) []byte {
	return s.Sign([]byte(hash))
}

// Begin locks the chain and prepares d for countersigning by
// counterparties.
func (c *Countersign) Begin(ctx context.Context, d Draft, counterparties []ir.AgentKey) (store.CountersignSession, error) {
	a := c.author
	a.mu.Lock()
	defer a.mu.Unlock()

	id := uuid.NewString()
	expires := a.clock.Now() + ir.Timestamp(c.ttl.Microseconds())
	if err := a.locker.Acquire(ctx, a.Agent(), id, expires); err != nil {
		if errors.Is(err, chainlock.ErrLocked) {
			return store.CountersignSession{}, ErrChainLocked
		}
		return store.CountersignSession{}, err
	}

	sa, _, err := a.prepare(ctx, d)
	if err != nil {
		a.release(ctx, id)
		return store.CountersignSession{}, err
	}
	hash, err := sa.Hash()
	if err != nil {
		a.release(ctx, id)
		return store.CountersignSession{}, err
	}
	sess := store.CountersignSession{
		ID:             id,
		Author:         a.Agent(),
		ActionHash:     hash,
		Action:         sa,
		Entry:          d.Entry,
		Counterparties: counterparties,
		Approvals:      map[ir.AgentKey][]byte{},
		State:          store.SessionOpen,
		ExpiresAt:      expires,
	}
	if err := a.store.SaveSession(ctx, sess); err != nil {
		a.release(ctx, id)
		return store.CountersignSession{}, storageError("save session", err)
	}
	a.log.Info("Countersigning session started", "session", id, "action", ir.Short(hash), "counterparties", len(counterparties))
	return sess, nil
}

// Approve records a counterparty's approval. Once a completed session has
// every approval its ops are released for publishing.
func (c *Countersign) Approve(ctx context.Context, id string, party ir.AgentKey, sig []byte) error {
	a := c.author
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !slices.Contains(sess.Counterparties, party) {
		return fmt.Errorf("%w: %s", ErrNotCounterparty, ir.Short(party))
	}
	if !keystore.Verify(party, []byte(sess.ActionHash), sig) {
		return fmt.Errorf("%w: %s", ErrBadApproval, ir.Short(party))
	}
	sess.Approvals[party] = sig

	if sess.State == store.SessionCompleted && approvedByAll(sess) {
		if err := a.store.SetWithholdPublish(ctx, sess.ActionHash, false); err != nil {
			return storageError("release publish", err)
		}
		if err := a.store.DeleteSession(ctx, id); err != nil {
			return storageError("delete session", err)
		}
		a.log.Info("Countersigned action approved", "session", id, "action", ir.Short(sess.ActionHash))
		a.publish.Fire()
		return nil
	}
	if err := a.store.SaveSession(ctx, sess); err != nil {
		return storageError("save session", err)
	}
	return nil
}

// Complete writes the prepared action and its ops and releases the lock.
func (c *Countersign) Complete(ctx context.Context, id string) (ir.SignedAction, error) {
	a := c.author
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.store.GetSession(ctx, id)
	if err != nil {
		return ir.SignedAction{}, err
	}
	if sess.State != store.SessionOpen {
		return ir.SignedAction{}, fmt.Errorf("%w: complete %s session", ErrSessionState, sess.State)
	}
	if a.clock.Now() >= sess.ExpiresAt {
		a.release(ctx, id)
		if err := a.store.DeleteSession(ctx, id); err != nil {
			return ir.SignedAction{}, storageError("delete session", err)
		}
		return ir.SignedAction{}, ErrSessionExpired
	}

	ops, err := a.opsFor(ctx, sess.Action, sess.Entry, "")
	if err != nil {
		return ir.SignedAction{}, err
	}
	withhold := !approvedByAll(sess)
	if err := a.append(ctx, sess.Action, sess.Entry, ops, withhold); err != nil {
		return ir.SignedAction{}, err
	}

	if withhold {
		sess.State = store.SessionCompleted
		err = a.store.SaveSession(ctx, sess)
	} else {
		err = a.store.DeleteSession(ctx, id)
	}
	if err != nil {
		return ir.SignedAction{}, storageError("finish session", err)
	}
	a.release(ctx, id)
	return sess.Action, nil
}

// Abandon releases the lock of an open session without writing anything.
func (c *Countersign) Abandon(ctx context.Context, id string) error {
	a := c.author
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.State != store.SessionOpen {
		return fmt.Errorf("%w: abandon %s session", ErrSessionState, sess.State)
	}
	a.release(ctx, id)
	if err := a.store.DeleteSession(ctx, id); err != nil {
		return storageError("delete session", err)
	}
	a.log.Info("Countersigning session abandoned", "session", id)
	return nil
}

func (a *Author) release(ctx context.Context, subject string) {
	if err := a.locker.Release(ctx, a.Agent(), subject); err != nil {
		a.log.Warn("Releasing chain lock failed", "subject", subject, "error", err)
	}
}

func approvedByAll(sess store.CountersignSession) bool {
	for _, p := range sess.Counterparties {
		if _, ok := sess.Approvals[p]; !ok {
			return false
		}
	}
	return true
}
