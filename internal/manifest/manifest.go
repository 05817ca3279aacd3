// Package manifest loads the integrity manifest: the CUE document that
// declares an application's entry definitions and link types.
//
// The manifest is consulted by structural validation (declared entry
// visibility) and by the CEL and JSON schema validation hosts (per-type
// rules and schemas).
//
// Example manifest:
//
//	manifest: {
//		name: "notes"
//		entry_defs: note: {
//			zome:       0
//			index:      0
//			visibility: "public"
//			schema: {type: "object", required: ["title"]}
//			rule: "size(entry.title) > 0"
//		}
//		link_types: note_to_note: {zome: 0, index: 0}
//	}
package manifest

import (
	"fmt"
	"sort"

	"github.com/roach88/dhtcore/internal/ir"
)

// Manifest is the compiled integrity manifest.
type Manifest struct {
	Name      string
	EntryDefs []EntryDef
	LinkTypes []LinkType
}

// EntryDef declares one app entry type.
type EntryDef struct {
	Name       string
	ZomeIndex  uint8
	EntryIndex uint8
	Visibility ir.Visibility
	// Schema is a JSON schema document (JSON bytes) for the entry payload.
	// Empty when no schema is declared.
	Schema []byte
	// Rule is a CEL expression over `entry` and `action`. Empty when none.
	Rule string
}

// LinkType declares one link type.
type LinkType struct {
	Name      string
	ZomeIndex uint8
	LinkIndex uint8
	// Rule is a CEL expression over `action` and `tag`. Empty when none.
	Rule string
}

// EntryDef looks up the entry definition for an app entry type.
func (m *Manifest) EntryDef(zome, index uint8) (EntryDef, bool) {
	if m == nil {
		return EntryDef{}, false
	}
	for _, d := range m.EntryDefs {
		if d.ZomeIndex == zome && d.EntryIndex == index {
			return d, true
		}
	}
	return EntryDef{}, false
}

// EntryDefByName looks up an entry definition by name.
func (m *Manifest) EntryDefByName(name string) (EntryDef, bool) {
	if m == nil {
		return EntryDef{}, false
	}
	for _, d := range m.EntryDefs {
		if d.Name == name {
			return d, true
		}
	}
	return EntryDef{}, false
}

// LinkType looks up a link type.
func (m *Manifest) LinkType(zome, index uint8) (LinkType, bool) {
	if m == nil {
		return LinkType{}, false
	}
	for _, l := range m.LinkTypes {
		if l.ZomeIndex == zome && l.LinkIndex == index {
			return l, true
		}
	}
	return LinkType{}, false
}

// EntryType returns the ir.EntryType an author should put on a Create for
// the named definition.
func (d EntryDef) EntryType() ir.EntryType {
	return ir.EntryType{
		Kind:       ir.EntryApp,
		ZomeIndex:  d.ZomeIndex,
		EntryIndex: d.EntryIndex,
		Visibility: d.Visibility,
	}
}

// validate checks for duplicate indices and unknown visibilities.
func (m *Manifest) validate() error {
	seen := make(map[[2]uint8]string)
	for _, d := range m.EntryDefs {
		if d.Visibility != ir.Public && d.Visibility != ir.Private {
			return &CompileError{Field: "entry_defs." + d.Name + ".visibility",
				Message: fmt.Sprintf("must be \"public\" or \"private\", got %q", d.Visibility)}
		}
		key := [2]uint8{d.ZomeIndex, d.EntryIndex}
		if other, ok := seen[key]; ok {
			return &CompileError{Field: "entry_defs." + d.Name,
				Message: fmt.Sprintf("index %d/%d already used by %s", d.ZomeIndex, d.EntryIndex, other)}
		}
		seen[key] = d.Name
	}
	seenLinks := make(map[[2]uint8]string)
	for _, l := range m.LinkTypes {
		key := [2]uint8{l.ZomeIndex, l.LinkIndex}
		if other, ok := seenLinks[key]; ok {
			return &CompileError{Field: "link_types." + l.Name,
				Message: fmt.Sprintf("index %d/%d already used by %s", l.ZomeIndex, l.LinkIndex, other)}
		}
		seenLinks[key] = l.Name
	}
	return nil
}

func (m *Manifest) sort() {
	sort.Slice(m.EntryDefs, func(i, j int) bool { return m.EntryDefs[i].Name < m.EntryDefs[j].Name })
	sort.Slice(m.LinkTypes, func(i, j int) bool { return m.LinkTypes[i].Name < m.LinkTypes[j].Name })
}
