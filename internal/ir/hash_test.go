package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aliceKey = AgentKey(strings.Repeat("a1", 32))
	bobKey   = AgentKey(strings.Repeat("b2", 32))
)

func sampleCreate(t *testing.T) Action {
	t.Helper()
	eh, err := AppEntry([]byte("0123456789")).Hash()
	require.NoError(t, err)
	return Action{
		Kind:       ActionCreate,
		Author:     aliceKey,
		Timestamp:  1_700_000_000_000_000,
		Seq:        3,
		PrevAction: ActionHash(strings.Repeat("0", 64)),
		EntryType:  &EntryType{Kind: EntryApp, Visibility: Public},
		EntryHash:  eh,
	}
}

func TestActionHashDeterminism(t *testing.T) {
	a := sampleCreate(t)

	h1, err := a.Hash()
	require.NoError(t, err)
	h2, err := a.Hash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "action hash must be deterministic")
	assert.Len(t, string(h1), 64, "SHA-256 hex is 64 characters")
}

func TestActionHashChangesWithInput(t *testing.T) {
	base := sampleCreate(t)

	bumped := base
	bumped.Seq = 4
	otherAuthor := base
	otherAuthor.Author = bobKey
	later := base
	later.Timestamp++

	h0, _ := base.Hash()
	h1, _ := bumped.Hash()
	h2, _ := otherAuthor.Hash()
	h3, _ := later.Hash()

	assert.NotEqual(t, h0, h1, "different seq should produce different hashes")
	assert.NotEqual(t, h0, h2, "different author should produce different hashes")
	assert.NotEqual(t, h0, h3, "different timestamp should produce different hashes")
}

func TestActionHashIgnoresForeignFields(t *testing.T) {
	a := sampleCreate(t)
	withNoise := a
	withNoise.Tag = []byte("not a link")
	withNoise.DeletesAction = "ignored"

	h1, err := a.Hash()
	require.NoError(t, err)
	h2, err := withNoise.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "fields of other kinds must not affect the hash")
}

func TestSignatureNotPartOfIdentity(t *testing.T) {
	a := sampleCreate(t)
	s1 := SignedAction{Action: a, Signature: []byte{1}}
	s2 := SignedAction{Action: a, Signature: []byte{2}}

	h1, err := s1.Hash()
	require.NoError(t, err)
	h2, err := s2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	op1, err := ChainOp{Kind: OpStoreRecord, Action: s1}.Hash()
	require.NoError(t, err)
	op2, err := ChainOp{Kind: OpStoreRecord, Action: s2, Entry: &Entry{Kind: EntryApp}}.Hash()
	require.NoError(t, err)
	assert.Equal(t, op1, op2, "op hash covers kind and action only")
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t,
		hashWithDomain(DomainAction, data),
		hashWithDomain(DomainEntry, data),
		"same data under different domains must not collide")
}

func TestOpHashDiffersByKind(t *testing.T) {
	a := sampleCreate(t)
	h1, err := ChainOpHash(OpStoreRecord, a)
	require.NoError(t, err)
	h2, err := ChainOpHash(OpStoreEntry, a)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestEntryHash(t *testing.T) {
	e1 := AppEntry([]byte("hello"))
	e2 := AppEntry([]byte("hello"))
	e3 := AppEntry([]byte("world"))

	h1, err := e1.Hash()
	require.NoError(t, err)
	h2, _ := e2.Hash()
	h3, _ := e3.Hash()

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)

	_, err = Entry{Kind: EntryCapGrant}.Hash()
	assert.Error(t, err, "cap grant without payload cannot be hashed")
}

func TestWarrantHash(t *testing.T) {
	w := Warrant{
		Kind:      WarrantInvalidAction,
		Author:    bobKey,
		Timestamp: 10,
		Target:    aliceKey,
		Actions:   []WarrantedAction{{Hash: "abc", Signature: []byte{9}}},
	}
	h, err := w.Hash()
	require.NoError(t, err)
	assert.Len(t, string(h), 64)

	w.Actions = append(w.Actions, WarrantedAction{Hash: "def"})
	_, err = w.Hash()
	assert.Error(t, err, "invalid_action warrants carry exactly one action")
}

func TestChainOpBasis(t *testing.T) {
	a := sampleCreate(t)
	sa := SignedAction{Action: a}
	ah, err := a.Hash()
	require.NoError(t, err)

	tests := []struct {
		kind     OpKind
		action   Action
		expected AnyHash
	}{
		{OpStoreRecord, a, AnyHash(ah)},
		{OpStoreEntry, a, AnyHash(a.EntryHash)},
		{OpRegisterAgentActivity, a, AnyHash(aliceKey)},
		{OpRegisterUpdatedContent, Action{Kind: ActionUpdate, OriginalEntry: "oe"}, "oe"},
		{OpRegisterUpdatedRecord, Action{Kind: ActionUpdate, OriginalAction: "oa"}, "oa"},
		{OpRegisterDeletedBy, Action{Kind: ActionDelete, DeletesAction: "da"}, "da"},
		{OpRegisterDeletedEntryAction, Action{Kind: ActionDelete, DeletesEntry: "de"}, "de"},
		{OpRegisterAddLink, Action{Kind: ActionCreateLink, Base: "base"}, "base"},
		{OpRegisterRemoveLink, Action{Kind: ActionDeleteLink, Base: "base"}, "base"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			op := ChainOp{Kind: tt.kind, Action: sa}
			if tt.kind != OpStoreRecord && tt.kind != OpStoreEntry && tt.kind != OpRegisterAgentActivity {
				op.Action = SignedAction{Action: tt.action}
			}
			basis, err := op.Basis()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, basis)
		})
	}
}

func TestDhtOpEnvelope(t *testing.T) {
	_, err := DhtOp{}.Hash()
	assert.Error(t, err)

	w := &WarrantOp{Warrant: Warrant{
		Kind:    WarrantInvalidAction,
		Author:  bobKey,
		Target:  aliceKey,
		Actions: []WarrantedAction{{Hash: "x"}},
	}}
	op := DhtOp{Warrant: w}
	assert.Equal(t, OpWarrant, op.Kind())
	assert.Equal(t, bobKey, op.Author())

	basis, err := op.Basis()
	require.NoError(t, err)
	assert.Equal(t, AnyHash(aliceKey), basis, "warrants are stored at the warranted agent")
}
