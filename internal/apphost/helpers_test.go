package apphost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/manifest"
	"github.com/roach88/dhtcore/internal/testutil"
)

const testManifest = `
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
				properties: title: type: "string"
			}
			rule: "size(entry.title) > 0"
		}
		scratch: {
			zome:       0
			index:      1
			visibility: "public"
		}
	}
	link_types: {
		tagged: {zome: 0, index: 0, rule: "size(tag) < 5"}
	}
}
`

func loadManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse(testManifest)
	require.NoError(t, err)
	return m
}

// noteView authors a public note and returns the view of its op of kind.
func noteView(t *testing.T, payload string, kind ir.OpKind) ir.OpView {
	t.Helper()
	alice := testutil.NewAgent(t, "alice")
	alice.Genesis(t)
	sa, entry := alice.CreateApp(t, []byte(payload), ir.Public)
	ops := testutil.Ops(t, ir.TransformInput{Action: sa, Entry: &entry})
	return testutil.OpOfKind(t, ops, kind).View()
}

// linkView authors a link with tag and returns its add-link op view.
func linkView(t *testing.T, tag string) ir.OpView {
	t.Helper()
	alice := testutil.NewAgent(t, "alice")
	genesis, _ := alice.Genesis(t)
	base, err := genesis[0].Hash()
	require.NoError(t, err)
	sa := alice.CreateLink(t, ir.AnyHash(base), ir.AnyHash(alice.Key()), []byte(tag))
	ops := testutil.Ops(t, ir.TransformInput{Action: sa})
	return testutil.OpOfKind(t, ops, ir.OpRegisterAddLink).View()
}
