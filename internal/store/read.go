package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// LookupAction resolves an action by hash for dependency checks.
// Unlike GetRecord it returns actions regardless of validity, including
// actions only known from limbo and this node's own authored chain.
func (s *Store) LookupAction(ctx context.Context, hash ir.ActionHash) (StoredAction, error) {
	var (
		body     string
		validity sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT body, validity FROM actions WHERE hash = ?
	`, string(hash)).Scan(&body, &validity)
	if err == nil {
		sa, err := unmarshalAction(body)
		if err != nil {
			return StoredAction{}, err
		}
		return StoredAction{Action: sa, Validity: ir.ValidationStatus(validity.String)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return StoredAction{}, fmt.Errorf("lookup action: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT body FROM authored_actions WHERE hash = ?
	`, string(hash)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredAction{}, ErrNotFound
	}
	if err != nil {
		return StoredAction{}, fmt.Errorf("lookup action: %w", err)
	}
	sa, err := unmarshalAction(body)
	if err != nil {
		return StoredAction{}, err
	}
	return StoredAction{Action: sa, Authored: true}, nil
}

// LookupEntry resolves an entry by hash regardless of validity, for
// dependency checks. Falls back to entries this node authored.
func (s *Store) LookupEntry(ctx context.Context, hash ir.EntryHash) (ir.Entry, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM entries WHERE hash = ?`, string(hash)).Scan(&body)
	if err == nil {
		return unmarshalEntry(body)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ir.Entry{}, fmt.Errorf("lookup entry: %w", err)
	}

	var entryBody sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT entry_body FROM authored_actions
		WHERE json_extract(body, '$.action.entry_hash') = ? AND entry_body IS NOT NULL
		LIMIT 1
	`, string(hash)).Scan(&entryBody)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !entryBody.Valid) {
		return ir.Entry{}, ErrNotFound
	}
	if err != nil {
		return ir.Entry{}, fmt.Errorf("lookup entry: %w", err)
	}
	return unmarshalEntry(entryBody.String)
}

// GetRecord returns a record whose aggregated validity is valid.
// Rejected and not-yet-integrated actions are reported as ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, hash ir.ActionHash) (ir.Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM actions WHERE hash = ? AND validity = 'valid'
	`, string(hash)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, ErrNotFound
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("get record: %w", err)
	}
	sa, err := unmarshalAction(body)
	if err != nil {
		return ir.Record{}, err
	}

	var entry *ir.Entry
	if sa.Action.HasEntry() {
		var entryBody string
		err := s.db.QueryRowContext(ctx, `SELECT body FROM entries WHERE hash = ?`,
			string(sa.Action.EntryHash)).Scan(&entryBody)
		switch {
		case err == nil:
			e, err := unmarshalEntry(entryBody)
			if err != nil {
				return ir.Record{}, err
			}
			entry = &e
		case !errors.Is(err, sql.ErrNoRows):
			return ir.Record{}, fmt.Errorf("get record entry: %w", err)
		}
	}
	return ir.NewRecord(sa, entry), nil
}

// GetEntry returns an entry that is referenced by at least one valid action.
// An entry whose every referencing action was rejected is not returned.
func (s *Store) GetEntry(ctx context.Context, hash ir.EntryHash) (ir.Entry, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT e.body FROM entries e
		WHERE e.hash = ?
		  AND EXISTS (SELECT 1 FROM actions a WHERE a.entry_hash = e.hash AND a.validity = 'valid')
	`, string(hash)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Entry{}, ErrNotFound
	}
	if err != nil {
		return ir.Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return unmarshalEntry(body)
}

// LinkQuery filters GetLinks. Nil filters match everything.
type LinkQuery struct {
	Base      ir.AnyHash
	ZomeIndex *uint8
	LinkType  *uint8
}

// GetLinks returns live links at a base, oldest first.
// Returns empty slices (not nil) if no links exist.
func (s *Store) GetLinks(ctx context.Context, q LinkQuery) ([]Link, error) {
	query := `
		SELECT l.create_link_hash, l.base, l.target, l.zome_index, l.link_type, l.tag, l.author, l.timestamp
		FROM links l
		JOIN actions a ON a.hash = l.create_link_hash
		WHERE l.base = ? AND l.deleted_by IS NULL AND a.validity = 'valid'`
	args := []any{string(q.Base)}
	if q.ZomeIndex != nil {
		query += ` AND l.zome_index = ?`
		args = append(args, *q.ZomeIndex)
	}
	if q.LinkType != nil {
		query += ` AND l.link_type = ?`
		args = append(args, *q.LinkType)
	}
	query += ` ORDER BY l.timestamp ASC, l.create_link_hash COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	links := []Link{}
	for rows.Next() {
		var (
			l                         Link
			hash, base, target, owner string
			ts                        int64
		)
		if err := rows.Scan(&hash, &base, &target, &l.ZomeIndex, &l.LinkType, &l.Tag, &owner, &ts); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.CreateLinkHash = ir.ActionHash(hash)
		l.Base = ir.AnyHash(base)
		l.Target = ir.AnyHash(target)
		l.Author = ir.AgentKey(owner)
		l.Timestamp = ir.Timestamp(ts)
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return links, nil
}

// AgentActivity returns an agent's valid actions ordered by seq.
func (s *Store) AgentActivity(ctx context.Context, agent ir.AgentKey) ([]ir.SignedAction, error) {
	return s.queryActions(ctx, `
		SELECT body FROM actions
		WHERE author = ? AND validity = 'valid'
		ORDER BY seq ASC, hash COLLATE BINARY ASC
	`, string(agent))
}

// ActionsAtSeq returns every known valid action of an agent at seq.
// More than one result is a chain fork.
func (s *Store) ActionsAtSeq(ctx context.Context, agent ir.AgentKey, seq uint32) ([]ir.SignedAction, error) {
	return s.queryActions(ctx, `
		SELECT body FROM actions
		WHERE author = ? AND seq = ? AND validity = 'valid'
		ORDER BY hash COLLATE BINARY ASC
	`, string(agent), seq)
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]ir.SignedAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := []ir.SignedAction{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		sa, err := unmarshalAction(body)
		if err != nil {
			return nil, err
		}
		actions = append(actions, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// ActionValidity returns the aggregated validity of an action, or empty
// if the action is unknown or has no integrated ops yet.
func (s *Store) ActionValidity(ctx context.Context, hash ir.ActionHash) (ir.ValidationStatus, error) {
	var validity sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT validity FROM actions WHERE hash = ?`, string(hash)).Scan(&validity)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("action validity: %w", err)
	}
	return ir.ValidationStatus(validity.String), nil
}

// OpStatus returns the validation status of an integrated op.
func (s *Store) OpStatus(ctx context.Context, hash ir.OpHash) (ir.ValidationStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT validation_status FROM ops WHERE op_hash = ?`, string(hash)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("op status: %w", err)
	}
	return ir.ValidationStatus(status), nil
}

// CountOps returns the number of integrated op rows for an op hash.
// Used to assert idempotence.
func (s *Store) CountOps(ctx context.Context, hash ir.OpHash) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops WHERE op_hash = ?`, string(hash)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ops: %w", err)
	}
	return n, nil
}

// Status returns table counts.
func (s *Store) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM limbo WHERE stage = 'pending_sys'),
			(SELECT COUNT(*) FROM limbo WHERE stage = 'pending_app'),
			(SELECT COUNT(*) FROM limbo WHERE stage = 'awaiting_integration'),
			(SELECT COUNT(*) FROM ops WHERE validation_status = 'valid'),
			(SELECT COUNT(*) FROM ops WHERE validation_status = 'rejected'),
			(SELECT COUNT(*) FROM actions WHERE validity = 'valid'),
			(SELECT COUNT(*) FROM actions WHERE validity = 'rejected'),
			(SELECT COUNT(*) FROM authored_ops),
			(SELECT COUNT(*) FROM authored_ops WHERE last_publish_time IS NULL),
			(SELECT COUNT(*) FROM links WHERE deleted_by IS NULL)
	`).Scan(
		&st.LimboPendingSys, &st.LimboPendingApp, &st.LimboAwaitingIntegration,
		&st.OpsValid, &st.OpsRejected, &st.ActionsValid, &st.ActionsRejected,
		&st.AuthoredOps, &st.AuthoredUnpublished, &st.Links,
	)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	return st, nil
}
