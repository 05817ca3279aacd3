package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// IntegrateBatch moves final limbo ops into the ops table in one
// transaction and recomputes aggregated validity for every touched action.
//
// For each op:
//   - insert into ops with validation_status valid iff both outcomes valid
//   - persist the action and any carried (public) entry
//   - maintain the link index for valid add/remove link ops
//   - delete the op from limbo
//   - queue a receipt when one is owed
//
// After all ops are written, each touched action's validity is recomputed
// over every locally known op for it. CRITICAL: the verdict is monotone
// toward rejection. A rejected op stays in the ops table forever, so once
// any op is rejected the action stays rejected, and its link index rows
// and link deletions are retracted.
//
// Callers must serialize integration per action (see workflow.Integrate);
// the transaction alone does not prevent two writers racing the
// read-then-write of the aggregated verdict on different connections.
func (s *Store) IntegrateBatch(ctx context.Context, ops []LimboOp, now ir.Timestamp) (IntegrationResult, error) {
	result := IntegrationResult{
		Receipts: []ReceiptOwed{},
		Validity: make(map[ir.ActionHash]ir.ValidationStatus),
	}
	if len(ops) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("integrate: begin tx: %w", err)
	}
	defer tx.Rollback()

	touched := []ir.ActionHash{}
	seen := make(map[ir.ActionHash]bool)

	for _, l := range ops {
		if !l.ReadyToIntegrate() {
			return result, fmt.Errorf("integrate %s: outcomes not final", ir.Short(l.Hash))
		}
		status := l.ValidationStatus()

		inserted, err := insertOpTx(ctx, tx, l, status, now)
		if err != nil {
			return result, fmt.Errorf("integrate %s: %w", ir.Short(l.Hash), err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM limbo WHERE op_hash = ?`, string(l.Hash)); err != nil {
			return result, fmt.Errorf("integrate %s: delete limbo: %w", ir.Short(l.Hash), err)
		}
		if !inserted {
			// Already integrated through another path; nothing else to do.
			continue
		}
		result.Integrated++

		if l.Op.Chain != nil {
			chain := l.Op.Chain
			if err := upsertActionTx(ctx, tx, l.ActionHash, chain.Action); err != nil {
				return result, err
			}
			if chain.Entry != nil && chain.EntryState == ir.EntryPresent {
				if err := upsertEntryTx(ctx, tx, *chain.Entry); err != nil {
					return result, err
				}
			}
			if status == ir.StatusValid {
				if err := applyLinkOpTx(ctx, tx, l); err != nil {
					return result, err
				}
			}
			if !seen[l.ActionHash] {
				seen[l.ActionHash] = true
				touched = append(touched, l.ActionHash)
			}
		}

		if l.RequireReceipt {
			result.Receipts = append(result.Receipts, ReceiptOwed{
				OpHash: l.Hash,
				Author: l.Author,
				Status: status,
			})
		}
	}

	for _, ah := range touched {
		validity, err := recomputeValidityTx(ctx, tx, ah)
		if err != nil {
			return result, err
		}
		if validity != "" {
			result.Validity[ah] = validity
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("integrate: commit: %w", err)
	}
	return result, nil
}

// insertOpTx writes the final op row. Returns false if the op was already
// present.
func insertOpTx(ctx context.Context, tx *sql.Tx, l LimboOp, status ir.ValidationStatus, now ir.Timestamp) (bool, error) {
	body, err := marshalOp(l.Op)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ops (op_hash, kind, action_hash, basis, author, body, validation_status, when_integrated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(op_hash) DO NOTHING
	`,
		string(l.Hash), string(l.Kind), string(l.ActionHash), string(l.Basis), string(l.Author),
		body, string(status), int64(now),
	)
	if err != nil {
		return false, fmt.Errorf("insert op: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert op: %w", err)
	}
	return n > 0, nil
}

// applyLinkOpTx updates the link index for a valid link op.
func applyLinkOpTx(ctx context.Context, tx *sql.Tx, l LimboOp) error {
	a := l.Op.Chain.Action.Action
	switch l.Kind {
	case ir.OpRegisterAddLink:
		tag := a.Tag
		if tag == nil {
			tag = []byte{}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO links (create_link_hash, base, target, zome_index, link_type, tag, author, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(create_link_hash) DO NOTHING
		`,
			string(l.ActionHash), string(a.Base), string(a.Target), a.ZomeIndex, a.LinkType,
			tag, string(a.Author), int64(a.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
		// A remove-link may have integrated before its add-link arrived.
		_, err = tx.ExecContext(ctx, `
			UPDATE links SET deleted_by = (
				SELECT o.action_hash FROM ops o JOIN actions a ON a.hash = o.action_hash
				WHERE o.kind = 'register_remove_link' AND o.validation_status = 'valid'
				  AND (a.validity IS NULL OR a.validity = 'valid')
				  AND json_extract(a.body, '$.action.link_add_address') = ?
				ORDER BY o.action_hash COLLATE BINARY
				LIMIT 1
			)
			WHERE create_link_hash = ? AND deleted_by IS NULL
		`, string(l.ActionHash), string(l.ActionHash))
		if err != nil {
			return fmt.Errorf("apply earlier link deletion: %w", err)
		}
	case ir.OpRegisterRemoveLink:
		_, err := tx.ExecContext(ctx, `
			UPDATE links SET deleted_by = ?
			WHERE create_link_hash = ? AND deleted_by IS NULL
		`, string(l.ActionHash), string(a.LinkAddAddress))
		if err != nil {
			return fmt.Errorf("mark link deleted: %w", err)
		}
	}
	return nil
}

// recomputeValidityTx re-scans all locally known ops of an action and
// stores the aggregated verdict. Returns empty when no op is known.
func recomputeValidityTx(ctx context.Context, tx *sql.Tx, ah ir.ActionHash) (ir.ValidationStatus, error) {
	var valid, rejected int
	err := tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN validation_status = 'valid' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN validation_status = 'rejected' THEN 1 ELSE 0 END), 0)
		FROM ops WHERE action_hash = ?
	`, string(ah)).Scan(&valid, &rejected)
	if err != nil {
		return "", fmt.Errorf("recompute validity: %w", err)
	}

	var validity ir.ValidationStatus
	switch {
	case rejected > 0:
		validity = ir.StatusRejected
	case valid > 0:
		validity = ir.StatusValid
	default:
		return "", nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE actions SET validity = ? WHERE hash = ?`, string(validity), string(ah)); err != nil {
		return "", fmt.Errorf("update validity: %w", err)
	}

	if validity == ir.StatusRejected {
		// Retract anything this action contributed to the link index.
		if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE create_link_hash = ?`, string(ah)); err != nil {
			return "", fmt.Errorf("retract link: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE links SET deleted_by = NULL WHERE deleted_by = ?`, string(ah)); err != nil {
			return "", fmt.Errorf("retract link deletion: %w", err)
		}
	}
	return validity, nil
}
