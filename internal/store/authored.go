package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// ErrHeadMoved is returned when an append does not build on the current
// chain head, e.g. because another append won the race.
var ErrHeadMoved = errors.New("chain head moved")

// AppendAuthored writes one authored action, its entry and its ops in a
// single transaction. The action must extend the agent's current head.
// When withhold is set the ops are not eligible for publishing until
// SetWithholdPublish clears the flag.
func (s *Store) AppendAuthored(ctx context.Context, sa ir.SignedAction, entry *ir.Entry, ops []ir.ChainOp, withhold bool, now ir.Timestamp) (ir.ActionHash, error) {
	hash, err := sa.Hash()
	if err != nil {
		return "", fmt.Errorf("append authored: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("append authored: begin tx: %w", err)
	}
	defer tx.Rollback()

	head, found, err := chainHeadTx(ctx, tx, sa.Action.Author)
	if err != nil {
		return "", err
	}
	switch {
	case !found && (sa.Action.Seq != 0 || sa.Action.PrevAction != ""):
		return "", fmt.Errorf("append authored: %w: chain is empty", ErrHeadMoved)
	case found && (sa.Action.PrevAction != head.Hash || sa.Action.Seq != head.Seq+1):
		return "", fmt.Errorf("append authored: %w: head is %s at seq %d", ErrHeadMoved, ir.Short(head.Hash), head.Seq)
	}

	body, err := marshalAction(sa)
	if err != nil {
		return "", err
	}
	entryBody, err := marshalOptionalEntry(entry)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO authored_actions (hash, author, seq, timestamp, body, entry_body)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(hash), string(sa.Action.Author), sa.Action.Seq, int64(sa.Action.Timestamp), body, entryBody)
	if err != nil {
		return "", fmt.Errorf("append authored: insert action: %w", err)
	}

	for i := range ops {
		if err := insertAuthoredOpTx(ctx, tx, ir.DhtOp{Chain: &ops[i]}, hash, withhold, now); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("append authored: commit: %w", err)
	}
	return hash, nil
}

// InsertAuthoredWarrant stores a warrant this node authored so the
// publish loop sends it.
func (s *Store) InsertAuthoredWarrant(ctx context.Context, w ir.WarrantOp, now ir.Timestamp) (ir.OpHash, error) {
	op := ir.DhtOp{Warrant: &w}
	hash, err := op.Hash()
	if err != nil {
		return "", fmt.Errorf("insert warrant: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("insert warrant: begin tx: %w", err)
	}
	defer tx.Rollback()

	// Warrants are indexed by the first warranted action so repeated
	// rejections of one action produce a single warrant.
	var warranted ir.ActionHash
	if len(w.Warrant.Actions) > 0 {
		warranted = w.Warrant.Actions[0].Hash
	}
	if err := insertAuthoredOpTx(ctx, tx, op, warranted, false, now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("insert warrant: commit: %w", err)
	}
	return hash, nil
}

// AuthoredWarrantExists reports whether this node already authored a
// warrant of kind whose first warranted action is actionHash.
func (s *Store) AuthoredWarrantExists(ctx context.Context, kind ir.WarrantKind, actionHash ir.ActionHash) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM authored_ops
		WHERE kind = 'warrant' AND action_hash = ?
		  AND json_extract(body, '$.warrant.warrant.kind') = ?
	`, string(actionHash), string(kind)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("authored warrant exists: %w", err)
	}
	return n > 0, nil
}

func insertAuthoredOpTx(ctx context.Context, tx *sql.Tx, op ir.DhtOp, actionHash ir.ActionHash, withhold bool, now ir.Timestamp) error {
	hash, err := op.Hash()
	if err != nil {
		return fmt.Errorf("authored op: %w", err)
	}
	basis, err := op.Basis()
	if err != nil {
		return fmt.Errorf("authored op: %w", err)
	}
	body, err := marshalOp(op)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO authored_ops (op_hash, kind, action_hash, basis, body, authored_at, withhold_publish)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(op_hash) DO NOTHING
	`, string(hash), string(op.Kind()), string(actionHash), string(basis), body, int64(now), boolToInt(withhold))
	if err != nil {
		return fmt.Errorf("authored op: insert: %w", err)
	}
	return nil
}

// ChainHead returns the latest authored action of agent.
// found is false for an empty chain.
func (s *Store) ChainHead(ctx context.Context, agent ir.AgentKey) (ChainHead, bool, error) {
	var (
		head ChainHead
		hash string
		ts   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, seq, timestamp FROM authored_actions
		WHERE author = ? ORDER BY seq DESC LIMIT 1
	`, string(agent)).Scan(&hash, &head.Seq, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainHead{}, false, nil
	}
	if err != nil {
		return ChainHead{}, false, fmt.Errorf("chain head: %w", err)
	}
	head.Hash = ir.ActionHash(hash)
	head.Timestamp = ir.Timestamp(ts)
	return head, true, nil
}

func chainHeadTx(ctx context.Context, tx *sql.Tx, agent ir.AgentKey) (ChainHead, bool, error) {
	var (
		head ChainHead
		hash string
		ts   int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT hash, seq, timestamp FROM authored_actions
		WHERE author = ? ORDER BY seq DESC LIMIT 1
	`, string(agent)).Scan(&hash, &head.Seq, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainHead{}, false, nil
	}
	if err != nil {
		return ChainHead{}, false, fmt.Errorf("chain head: %w", err)
	}
	head.Hash = ir.ActionHash(hash)
	head.Timestamp = ir.Timestamp(ts)
	return head, true, nil
}

// AuthoredChain returns an agent's authored actions ordered by seq.
func (s *Store) AuthoredChain(ctx context.Context, agent ir.AgentKey) ([]ir.SignedAction, error) {
	return s.queryActions(ctx, `
		SELECT body FROM authored_actions WHERE author = ? ORDER BY seq ASC
	`, string(agent))
}

// AuthoredEntry returns the entry stored alongside an authored action.
func (s *Store) AuthoredEntry(ctx context.Context, hash ir.ActionHash) (*ir.Entry, error) {
	var entryBody sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT entry_body FROM authored_actions WHERE hash = ?`, string(hash)).Scan(&entryBody)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("authored entry: %w", err)
	}
	return unmarshalOptionalEntry(entryBody)
}

// PublishCandidates returns authored ops that are not receipt-complete, not
// withheld, and not published since publishedBefore. Each carries its live
// integration status from the network ops table; deciding whether that
// status permits publishing is the caller's job because it depends on the
// current storage arcs.
func (s *Store) PublishCandidates(ctx context.Context, publishedBefore ir.Timestamp, limit int) ([]AuthoredOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.op_hash, a.kind, a.action_hash, a.basis, a.body, a.authored_at,
		       a.last_publish_time, a.receipt_count, a.receipts_complete, a.withhold_publish,
		       o.validation_status
		FROM authored_ops a
		LEFT JOIN ops o ON o.op_hash = a.op_hash
		WHERE a.receipts_complete = 0
		  AND a.withhold_publish = 0
		  AND (a.last_publish_time IS NULL OR a.last_publish_time <= ?)
		ORDER BY a.authored_at ASC, a.op_hash COLLATE BINARY ASC
		LIMIT ?
	`, int64(publishedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("publish candidates: %w", err)
	}
	defer rows.Close()
	return scanAuthoredOps(rows)
}

// ListAuthoredOps returns every authored op, for inspection.
func (s *Store) ListAuthoredOps(ctx context.Context) ([]AuthoredOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.op_hash, a.kind, a.action_hash, a.basis, a.body, a.authored_at,
		       a.last_publish_time, a.receipt_count, a.receipts_complete, a.withhold_publish,
		       o.validation_status
		FROM authored_ops a
		LEFT JOIN ops o ON o.op_hash = a.op_hash
		ORDER BY a.authored_at ASC, a.op_hash COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list authored ops: %w", err)
	}
	defer rows.Close()
	return scanAuthoredOps(rows)
}

func scanAuthoredOps(rows *sql.Rows) ([]AuthoredOp, error) {
	ops := []AuthoredOp{}
	for rows.Next() {
		var (
			a                         AuthoredOp
			hash, kind, action, basis string
			body                      string
			authoredAt                int64
			lastPublish               sql.NullInt64
			complete, withhold        int
			integrated                sql.NullString
		)
		err := rows.Scan(&hash, &kind, &action, &basis, &body, &authoredAt,
			&lastPublish, &a.ReceiptCount, &complete, &withhold, &integrated)
		if err != nil {
			return nil, fmt.Errorf("scan authored op: %w", err)
		}
		op, err := unmarshalOp(body)
		if err != nil {
			return nil, err
		}
		a.Hash = ir.OpHash(hash)
		a.Op = op
		a.Kind = ir.OpKind(kind)
		a.ActionHash = ir.ActionHash(action)
		a.Basis = ir.AnyHash(basis)
		a.AuthoredAt = ir.Timestamp(authoredAt)
		a.LastPublishTime = ir.Timestamp(lastPublish.Int64)
		a.ReceiptsComplete = complete != 0
		a.WithholdPublish = withhold != 0
		a.IntegratedStatus = ir.ValidationStatus(integrated.String)
		ops = append(ops, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authored ops: %w", err)
	}
	return ops, nil
}

// MarkPublished stamps last_publish_time on the given ops.
func (s *Store) MarkPublished(ctx context.Context, hashes []ir.OpHash, when ir.Timestamp) error {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark published: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `
			UPDATE authored_ops SET last_publish_time = ? WHERE op_hash = ?
		`, int64(when), string(h)); err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark published: commit: %w", err)
	}
	return nil
}

// SetWithholdPublish sets or clears the withhold flag on every authored op
// of an action.
func (s *Store) SetWithholdPublish(ctx context.Context, actionHash ir.ActionHash, withhold bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE authored_ops SET withhold_publish = ? WHERE action_hash = ?
	`, boolToInt(withhold), string(actionHash))
	if err != nil {
		return fmt.Errorf("set withhold publish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set withhold publish: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set withhold publish: %w", ErrNotFound)
	}
	return nil
}

// RecordReceipt stores a validation receipt for an authored op and marks
// the op receipt-complete once required distinct validators have sent one.
// Receipts count whatever status they report: a rejecting authority still
// holds the op, and republishing to it cannot change its verdict.
// Duplicate receipts from the same validator are ignored.
func (s *Store) RecordReceipt(ctx context.Context, r ir.SignedReceipt, required int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("record receipt: begin tx: %w", err)
	}
	defer tx.Rollback()

	var known int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM authored_ops WHERE op_hash = ?`,
		string(r.Receipt.OpHash)).Scan(&known); err != nil {
		return false, fmt.Errorf("record receipt: %w", err)
	}
	if known == 0 {
		return false, fmt.Errorf("record receipt: %w", ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (op_hash, validator, status, signed_at, signature)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(op_hash, validator) DO NOTHING
	`, string(r.Receipt.OpHash), string(r.Receipt.Validator), string(r.Receipt.Status),
		int64(r.Receipt.When), r.Signature)
	if err != nil {
		return false, fmt.Errorf("record receipt: insert: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts WHERE op_hash = ?`,
		string(r.Receipt.OpHash)).Scan(&count); err != nil {
		return false, fmt.Errorf("record receipt: count: %w", err)
	}
	complete := count >= required
	_, err = tx.ExecContext(ctx, `
		UPDATE authored_ops SET receipt_count = ?, receipts_complete = ? WHERE op_hash = ?
	`, count, boolToInt(complete), string(r.Receipt.OpHash))
	if err != nil {
		return false, fmt.Errorf("record receipt: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("record receipt: commit: %w", err)
	}
	return complete, nil
}
