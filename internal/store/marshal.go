package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/dhtcore/internal/ir"
)

// marshalBody converts a value to JSON TEXT for storage.
// Uses json.Encoder with HTML escaping disabled so stored bodies match
// what was received byte-for-byte in string fields.
func marshalBody(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

func marshalAction(sa ir.SignedAction) (string, error) {
	s, err := marshalBody(sa)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}
	return s, nil
}

func unmarshalAction(data string) (ir.SignedAction, error) {
	var sa ir.SignedAction
	if err := json.Unmarshal([]byte(data), &sa); err != nil {
		return ir.SignedAction{}, fmt.Errorf("unmarshal action: %w", err)
	}
	return sa, nil
}

func marshalEntry(e ir.Entry) (string, error) {
	s, err := marshalBody(e)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	return s, nil
}

func unmarshalEntry(data string) (ir.Entry, error) {
	var e ir.Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return ir.Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	return e, nil
}

// marshalOptionalEntry returns a NULL-able column value.
func marshalOptionalEntry(e *ir.Entry) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	s, err := marshalEntry(*e)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func unmarshalOptionalEntry(ns sql.NullString) (*ir.Entry, error) {
	if !ns.Valid {
		return nil, nil
	}
	e, err := unmarshalEntry(ns.String)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalOp(op ir.DhtOp) (string, error) {
	s, err := marshalBody(op)
	if err != nil {
		return "", fmt.Errorf("marshal op: %w", err)
	}
	return s, nil
}

func unmarshalOp(data string) (ir.DhtOp, error) {
	var op ir.DhtOp
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return ir.DhtOp{}, fmt.Errorf("unmarshal op: %w", err)
	}
	return op, nil
}

func nullOutcome(o Outcome) sql.NullString {
	if o == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(o), Valid: true}
}

func nullTimestamp(t ir.Timestamp) sql.NullInt64 {
	if t == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
