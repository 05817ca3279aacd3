package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// OpPresence reports where an op hash is known.
type OpPresence int

const (
	OpAbsent OpPresence = iota
	OpInLimbo
	OpIntegrated
)

// OpPresence looks up an op hash in the ops table, then in limbo.
func (s *Store) OpPresence(ctx context.Context, hash ir.OpHash) (OpPresence, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops WHERE op_hash = ?`, string(hash)).Scan(&n)
	if err != nil {
		return OpAbsent, fmt.Errorf("op presence: %w", err)
	}
	if n > 0 {
		return OpIntegrated, nil
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM limbo WHERE op_hash = ?`, string(hash)).Scan(&n)
	if err != nil {
		return OpAbsent, fmt.Errorf("op presence: %w", err)
	}
	if n > 0 {
		return OpInLimbo, nil
	}
	return OpAbsent, nil
}

// InsertLimbo stages ops for validation, together with their carried
// action and entry, in a single transaction.
//
// Uses ON CONFLICT DO NOTHING throughout: an op that raced into limbo or
// ops between the caller's dedup check and this insert is left untouched.
// Only public entries reach here; private entries are never carried.
func (s *Store) InsertLimbo(ctx context.Context, ops []LimboOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert limbo: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, l := range ops {
		if err := insertLimboTx(ctx, tx, l); err != nil {
			return fmt.Errorf("insert limbo %s: %w", ir.Short(l.Hash), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert limbo: commit: %w", err)
	}
	return nil
}

func insertLimboTx(ctx context.Context, tx *sql.Tx, l LimboOp) error {
	// Skip ops already integrated so limbo and ops stay disjoint.
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops WHERE op_hash = ?`, string(l.Hash)).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	body, err := marshalOp(l.Op)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO limbo
		(op_hash, kind, action_hash, basis, author, action_seq, body, stage,
		 sys_outcome, app_outcome, require_receipt, num_attempts, when_received)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(op_hash) DO NOTHING
	`,
		string(l.Hash), string(l.Kind), string(l.ActionHash), string(l.Basis), string(l.Author),
		l.ActionSeq, body, string(l.Stage),
		nullOutcome(l.SysOutcome), nullOutcome(l.AppOutcome),
		boolToInt(l.RequireReceipt), l.NumAttempts, int64(l.WhenReceived),
	)
	if err != nil {
		return err
	}

	if l.Op.Chain != nil {
		if err := upsertActionTx(ctx, tx, l.ActionHash, l.Op.Chain.Action); err != nil {
			return err
		}
		if l.Op.Chain.Entry != nil {
			if err := upsertEntryTx(ctx, tx, *l.Op.Chain.Entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertActionTx inserts an action row with unset validity.
// An existing row (and its validity) is never overwritten.
func upsertActionTx(ctx context.Context, tx *sql.Tx, hash ir.ActionHash, sa ir.SignedAction) error {
	body, err := marshalAction(sa)
	if err != nil {
		return err
	}
	var entryHash sql.NullString
	if sa.Action.EntryHash != "" {
		entryHash = sql.NullString{String: string(sa.Action.EntryHash), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO actions (hash, author, seq, kind, timestamp, entry_hash, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`,
		string(hash), string(sa.Action.Author), sa.Action.Seq, string(sa.Action.Kind),
		int64(sa.Action.Timestamp), entryHash, body,
	)
	if err != nil {
		return fmt.Errorf("upsert action: %w", err)
	}
	return nil
}

func upsertEntryTx(ctx context.Context, tx *sql.Tx, e ir.Entry) error {
	hash, err := e.Hash()
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	body, err := marshalEntry(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (hash, body) VALUES (?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, string(hash), body)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

const limboColumns = `op_hash, kind, action_hash, basis, author, action_seq, body, stage,
	sys_outcome, sys_reason, app_outcome, app_reason, require_receipt, num_attempts,
	last_attempt, when_received`

// PendingSys returns up to limit ops awaiting structural validation.
// Fewest attempts first, then earliest chain position, then arrival.
func (s *Store) PendingSys(ctx context.Context, limit int) ([]LimboOp, error) {
	return s.queryLimbo(ctx, `
		SELECT `+limboColumns+`
		FROM limbo
		WHERE stage = 'pending_sys'
		ORDER BY num_attempts ASC, action_seq ASC, when_received ASC, op_hash COLLATE BINARY ASC
		LIMIT ?
	`, limit)
}

// PendingApp returns up to limit ops awaiting application validation whose
// structural outcome is valid.
func (s *Store) PendingApp(ctx context.Context, limit int) ([]LimboOp, error) {
	return s.queryLimbo(ctx, `
		SELECT `+limboColumns+`
		FROM limbo
		WHERE stage = 'pending_app' AND sys_outcome = 'valid'
		ORDER BY num_attempts ASC, action_seq ASC, when_received ASC, op_hash COLLATE BINARY ASC
		LIMIT ?
	`, limit)
}

// AwaitingIntegration returns up to limit ops whose outcomes are final,
// ordered so all ops of one action are adjacent.
func (s *Store) AwaitingIntegration(ctx context.Context, limit int) ([]LimboOp, error) {
	ops, err := s.queryLimbo(ctx, `
		SELECT `+limboColumns+`
		FROM limbo
		WHERE stage = 'awaiting_integration'
		  AND sys_outcome IS NOT NULL
		  AND (sys_outcome = 'rejected' OR app_outcome IS NOT NULL)
		ORDER BY action_hash COLLATE BINARY ASC, op_hash COLLATE BINARY ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// ListLimbo returns every limbo row, for inspection.
func (s *Store) ListLimbo(ctx context.Context) ([]LimboOp, error) {
	return s.queryLimbo(ctx, `
		SELECT `+limboColumns+`
		FROM limbo
		ORDER BY when_received ASC, op_hash COLLATE BINARY ASC
		LIMIT ?
	`, -1)
}

// GetLimboOp returns one limbo row.
func (s *Store) GetLimboOp(ctx context.Context, hash ir.OpHash) (LimboOp, error) {
	ops, err := s.queryLimbo(ctx, `
		SELECT `+limboColumns+`
		FROM limbo WHERE op_hash = ? LIMIT ?
	`, string(hash), 1)
	if err != nil {
		return LimboOp{}, err
	}
	if len(ops) == 0 {
		return LimboOp{}, ErrNotFound
	}
	return ops[0], nil
}

func (s *Store) queryLimbo(ctx context.Context, query string, args ...any) ([]LimboOp, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query limbo: %w", err)
	}
	defer rows.Close()

	ops := []LimboOp{}
	for rows.Next() {
		l, err := scanLimboOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate limbo: %w", err)
	}
	return ops, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLimboOp(row rowScanner) (LimboOp, error) {
	var (
		l                         LimboOp
		hash, kind, action, basis string
		author, body, stage       string
		sysOutcome, appOutcome    sql.NullString
		requireReceipt            int
		lastAttempt               sql.NullInt64
		whenReceived              int64
	)
	err := row.Scan(&hash, &kind, &action, &basis, &author, &l.ActionSeq, &body, &stage,
		&sysOutcome, &l.SysReason, &appOutcome, &l.AppReason, &requireReceipt, &l.NumAttempts,
		&lastAttempt, &whenReceived)
	if err != nil {
		return LimboOp{}, fmt.Errorf("scan limbo: %w", err)
	}
	op, err := unmarshalOp(body)
	if err != nil {
		return LimboOp{}, err
	}
	l.Hash = ir.OpHash(hash)
	l.Op = op
	l.Kind = ir.OpKind(kind)
	l.ActionHash = ir.ActionHash(action)
	l.Basis = ir.AnyHash(basis)
	l.Author = ir.AgentKey(author)
	l.Stage = Stage(stage)
	l.SysOutcome = Outcome(sysOutcome.String)
	l.AppOutcome = Outcome(appOutcome.String)
	l.RequireReceipt = requireReceipt != 0
	l.LastAttempt = ir.Timestamp(lastAttempt.Int64)
	l.WhenReceived = ir.Timestamp(whenReceived)
	return l, nil
}

// SetSysOutcome records the structural outcome. Valid advances the op to
// pending_app; rejected is terminal and moves it to awaiting_integration.
// Warrants skip application validation, so skipApp also sets a valid app
// outcome and moves straight to awaiting_integration.
func (s *Store) SetSysOutcome(ctx context.Context, hash ir.OpHash, outcome Outcome, reason string, skipApp bool) error {
	var (
		stage      Stage
		appOutcome sql.NullString
	)
	switch {
	case outcome == OutcomeRejected:
		stage = StageAwaitingIntegration
	case outcome == OutcomeValid && skipApp:
		stage = StageAwaitingIntegration
		appOutcome = nullOutcome(OutcomeValid)
	case outcome == OutcomeValid:
		stage = StagePendingApp
	default:
		return fmt.Errorf("set sys outcome: invalid outcome %q", outcome)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE limbo
		SET sys_outcome = ?, sys_reason = ?, stage = ?, app_outcome = ?
		WHERE op_hash = ? AND stage = 'pending_sys'
	`, string(outcome), reason, string(stage), appOutcome, string(hash))
	if err != nil {
		return fmt.Errorf("set sys outcome: %w", err)
	}
	return requireOneRow(res, "set sys outcome")
}

// SetAppOutcome records the application outcome and moves the op to
// awaiting_integration.
func (s *Store) SetAppOutcome(ctx context.Context, hash ir.OpHash, outcome Outcome, reason string) error {
	if outcome != OutcomeValid && outcome != OutcomeRejected {
		return fmt.Errorf("set app outcome: invalid outcome %q", outcome)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE limbo
		SET app_outcome = ?, app_reason = ?, stage = 'awaiting_integration'
		WHERE op_hash = ? AND stage = 'pending_app'
	`, string(outcome), reason, string(hash))
	if err != nil {
		return fmt.Errorf("set app outcome: %w", err)
	}
	return requireOneRow(res, "set app outcome")
}

// RecordAttempt increments the attempt counter of an op that is waiting
// on a dependency. It never touches the outcomes.
func (s *Store) RecordAttempt(ctx context.Context, hash ir.OpHash, now ir.Timestamp) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE limbo
		SET num_attempts = num_attempts + 1, last_attempt = ?
		WHERE op_hash = ?
	`, int64(now), string(hash))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// DropLimbo removes an op from limbo without integrating it. Used when the
// node is no longer responsible for the op's basis.
func (s *Store) DropLimbo(ctx context.Context, hash ir.OpHash) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limbo WHERE op_hash = ?`, string(hash)); err != nil {
		return fmt.Errorf("drop limbo op: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
