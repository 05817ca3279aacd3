package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/ir"
)

const notesManifest = `
manifest: {
	name: "notes"
	entry_defs: {
		note: {
			zome:       0
			index:      0
			visibility: "public"
			schema: {
				type: "object"
				required: ["title"]
			}
			rule: "size(entry.title) > 0"
		}
		diary: {
			zome:       0
			index:      1
			visibility: "private"
		}
	}
	link_types: {
		note_to_note: {zome: 0, index: 0, rule: "size(tag) < 100"}
	}
}
`

func TestParse(t *testing.T) {
	m, err := Parse(notesManifest)
	require.NoError(t, err)

	assert.Equal(t, "notes", m.Name)
	require.Len(t, m.EntryDefs, 2)
	assert.Equal(t, "diary", m.EntryDefs[0].Name, "entry defs are sorted by name")

	note, ok := m.EntryDef(0, 0)
	require.True(t, ok)
	assert.Equal(t, "note", note.Name)
	assert.Equal(t, ir.Public, note.Visibility)
	assert.Equal(t, "size(entry.title) > 0", note.Rule)
	assert.JSONEq(t, `{"type":"object","required":["title"]}`, string(note.Schema))

	diary, ok := m.EntryDefByName("diary")
	require.True(t, ok)
	assert.Equal(t, ir.Private, diary.Visibility)
	assert.Empty(t, diary.Schema)
	assert.Equal(t, ir.EntryType{Kind: ir.EntryApp, ZomeIndex: 0, EntryIndex: 1, Visibility: ir.Private}, diary.EntryType())

	link, ok := m.LinkType(0, 0)
	require.True(t, ok)
	assert.Equal(t, "note_to_note", link.Name)

	_, ok = m.EntryDef(3, 3)
	assert.False(t, ok)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing manifest", `other: 1`},
		{"missing name", `manifest: {entry_defs: {}}`},
		{"missing index", `manifest: {name: "x", entry_defs: a: {zome: 0}}`},
		{"index out of range", `manifest: {name: "x", entry_defs: a: {zome: 0, index: 300}}`},
		{"bad visibility", `manifest: {name: "x", entry_defs: a: {zome: 0, index: 0, visibility: "secret"}}`},
		{"duplicate index", `manifest: {name: "x", entry_defs: {a: {zome: 0, index: 0}, b: {zome: 0, index: 0}}}`},
		{"syntax error", `manifest: {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			assert.Error(t, err)
		})
	}
}

func TestDefaultVisibilityIsPublic(t *testing.T) {
	m, err := Parse(`manifest: {name: "x", entry_defs: a: {zome: 0, index: 0}}`)
	require.NoError(t, err)
	assert.Equal(t, ir.Public, m.EntryDefs[0].Visibility)
}

func TestNilManifestLookups(t *testing.T) {
	var m *Manifest
	_, ok := m.EntryDef(0, 0)
	assert.False(t, ok)
	_, ok = m.LinkType(0, 0)
	assert.False(t, ok)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.cue")
	require.NoError(t, os.WriteFile(path, []byte(notesManifest), 0o644))

	m, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "notes", m.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	src := "package notes\n" + notesManifest
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.cue"), []byte(src), 0o644))

	m, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, m.LinkTypes, 1)
}
