package apphost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/manifest"
)

type schemaKey struct {
	zome, index uint8
}

// SchemaHost checks app entry payloads against the JSON schemas declared
// in the integrity manifest. Payloads of a type with a schema must be
// JSON. Types without a schema, and ops without an app entry, are valid.
type SchemaHost struct {
	schemas map[schemaKey]*jsonschema.Schema
	names   map[schemaKey]string
}

// NewSchemaHost compiles every schema declared in m.
func NewSchemaHost(m *manifest.Manifest) (*SchemaHost, error) {
	h := &SchemaHost{
		schemas: make(map[schemaKey]*jsonschema.Schema),
		names:   make(map[schemaKey]string),
	}
	if m == nil {
		return h, nil
	}
	for _, d := range m.EntryDefs {
		if len(d.Schema) == 0 {
			continue
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://dhtcore.local/schemas/%s/%d/%d.schema.json", m.Name, d.ZomeIndex, d.EntryIndex)
		if err := c.AddResource(url, bytes.NewReader(d.Schema)); err != nil {
			return nil, fmt.Errorf("schema host: entry def %s: %w", d.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema host: entry def %s: %w", d.Name, err)
		}
		key := schemaKey{d.ZomeIndex, d.EntryIndex}
		h.schemas[key] = compiled
		h.names[key] = d.Name
	}
	return h, nil
}

// Validate checks the entry carried by op, if any.
func (h *SchemaHost) Validate(_ context.Context, op ir.OpView) (Outcome, error) {
	a := op.Action.Action
	if op.Entry == nil || op.Entry.Kind != ir.EntryApp || a.EntryType == nil {
		return Valid(), nil
	}
	key := schemaKey{a.EntryType.ZomeIndex, a.EntryType.EntryIndex}
	schema, ok := h.schemas[key]
	if !ok {
		return Valid(), nil
	}

	var doc any
	if err := json.Unmarshal(op.Entry.App, &doc); err != nil {
		return Invalid("entry %s: payload is not JSON: %v", h.names[key], err), nil
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return Invalid("entry %s: %s", h.names[key], verr.Error()), nil
		}
		return Outcome{}, fmt.Errorf("schema host: %w", err)
	}
	return Valid(), nil
}
