package apphost

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// Document converts an op view into the plain value tree handed to rule
// engines: maps, slices, strings, float64, bool and nil.
//
// Keys:
//
//	kind    op kind
//	author  action author
//	action  the action as it appears on the wire
//	entry   the decoded entry (app payloads are parsed as JSON when they
//	        are JSON, otherwise passed as a string), or nil
//	tag     a CreateLink tag as a string, or ""
func Document(v ir.OpView) (map[string]any, error) {
	action, err := toTree(v.Action.Action)
	if err != nil {
		return nil, fmt.Errorf("document: action: %w", err)
	}
	entry, err := entryValue(v.Entry)
	if err != nil {
		return nil, fmt.Errorf("document: entry: %w", err)
	}
	return map[string]any{
		"kind":   string(v.Kind),
		"author": string(v.Action.Action.Author),
		"action": action,
		"entry":  entry,
		"tag":    string(v.Action.Action.Tag),
	}, nil
}

func entryValue(e *ir.Entry) (any, error) {
	if e == nil {
		return nil, nil
	}
	switch e.Kind {
	case ir.EntryApp:
		return decodePayload(e.App), nil
	case ir.EntryAgent:
		return string(e.Agent), nil
	default:
		return toTree(e)
	}
}

// decodePayload parses payload as JSON, falling back to the raw string.
func decodePayload(payload []byte) any {
	var v any
	if json.Valid(payload) && json.Unmarshal(payload, &v) == nil {
		return v
	}
	return string(payload)
}

func toTree(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
