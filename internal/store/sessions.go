package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// SessionState is a countersigning session's lifecycle state.
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionCompleted SessionState = "completed"
)

// CountersignSession is a prepared, not-yet-committed countersigned action.
type CountersignSession struct {
	ID             string
	Author         ir.AgentKey
	ActionHash     ir.ActionHash
	Action         ir.SignedAction
	Entry          *ir.Entry
	Counterparties []ir.AgentKey
	// Approvals maps counterparty to its signature over the action hash.
	Approvals map[ir.AgentKey][]byte
	State     SessionState
	ExpiresAt ir.Timestamp
}

// SaveSession inserts or replaces a session row.
func (s *Store) SaveSession(ctx context.Context, sess CountersignSession) error {
	body, err := marshalAction(sess.Action)
	if err != nil {
		return err
	}
	entryBody, err := marshalOptionalEntry(sess.Entry)
	if err != nil {
		return err
	}
	parties, err := json.Marshal(sess.Counterparties)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	approvals := sess.Approvals
	if approvals == nil {
		approvals = map[ir.AgentKey][]byte{}
	}
	approvalsJSON, err := json.Marshal(approvals)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO countersign_sessions
		(session, author, action_hash, action, entry_body, counterparties, approvals, state, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session) DO UPDATE SET
			approvals = excluded.approvals,
			state = excluded.state,
			expires_at = excluded.expires_at
	`,
		sess.ID, string(sess.Author), string(sess.ActionHash), body, entryBody,
		string(parties), string(approvalsJSON), string(sess.State), int64(sess.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (CountersignSession, error) {
	return s.getSession(ctx, `WHERE session = ?`, id)
}

// GetSessionByAction loads the session that produced an action.
func (s *Store) GetSessionByAction(ctx context.Context, hash ir.ActionHash) (CountersignSession, error) {
	return s.getSession(ctx, `WHERE action_hash = ?`, string(hash))
}

func (s *Store) getSession(ctx context.Context, where string, arg any) (CountersignSession, error) {
	var (
		sess                      CountersignSession
		author, actionHash, body  string
		entryBody                 sql.NullString
		parties, approvals, state string
		expires                   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session, author, action_hash, action, entry_body, counterparties, approvals, state, expires_at
		FROM countersign_sessions `+where, arg).Scan(
		&sess.ID, &author, &actionHash, &body, &entryBody, &parties, &approvals, &state, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return CountersignSession{}, ErrNotFound
	}
	if err != nil {
		return CountersignSession{}, fmt.Errorf("get session: %w", err)
	}

	sa, err := unmarshalAction(body)
	if err != nil {
		return CountersignSession{}, err
	}
	entry, err := unmarshalOptionalEntry(entryBody)
	if err != nil {
		return CountersignSession{}, err
	}
	if err := json.Unmarshal([]byte(parties), &sess.Counterparties); err != nil {
		return CountersignSession{}, fmt.Errorf("get session: counterparties: %w", err)
	}
	sess.Approvals = map[ir.AgentKey][]byte{}
	if err := json.Unmarshal([]byte(approvals), &sess.Approvals); err != nil {
		return CountersignSession{}, fmt.Errorf("get session: approvals: %w", err)
	}
	sess.Author = ir.AgentKey(author)
	sess.ActionHash = ir.ActionHash(actionHash)
	sess.Action = sa
	sess.Entry = entry
	sess.State = SessionState(state)
	sess.ExpiresAt = ir.Timestamp(expires)
	return sess, nil
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM countersign_sessions WHERE session = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
