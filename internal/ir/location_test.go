package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocationDeterministic(t *testing.T) {
	assert.Equal(t, Location("abc"), Location("abc"))
	assert.NotEqual(t, Location("abc"), Location("abd"))
}

func TestArcContains(t *testing.T) {
	tests := []struct {
		name     string
		arc      Arc
		loc      uint32
		expected bool
	}{
		{"inside", Arc{Start: 10, End: 20}, 15, true},
		{"start inclusive", Arc{Start: 10, End: 20}, 10, true},
		{"end inclusive", Arc{Start: 10, End: 20}, 20, true},
		{"below", Arc{Start: 10, End: 20}, 9, false},
		{"above", Arc{Start: 10, End: 20}, 21, false},
		{"wrapping high", Arc{Start: 4_000_000_000, End: 5}, 4_100_000_000, true},
		{"wrapping low", Arc{Start: 4_000_000_000, End: 5}, 3, true},
		{"wrapping gap", Arc{Start: 4_000_000_000, End: 5}, 6, false},
		{"full arc", FullArc, 123456, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.arc.Contains(tt.loc))
		})
	}
}

func TestArcSet(t *testing.T) {
	var empty ArcSet
	assert.False(t, empty.Covers("anything"), "empty set covers nothing")

	full := ArcSet{FullArc}
	assert.True(t, full.Covers("anything"))

	loc := Location("basis")
	exact := ArcSet{{Start: 1, End: 2}, {Start: loc, End: loc}}
	assert.True(t, exact.Covers("basis"))
}

func TestEntryTypeValidate(t *testing.T) {
	assert.NoError(t, EntryType{Kind: EntryApp, Visibility: Private}.Validate())
	assert.NoError(t, EntryType{Kind: EntryAgent, Visibility: Public}.Validate())
	assert.Error(t, EntryType{Kind: EntryAgent, Visibility: Private}.Validate())
	assert.Error(t, EntryType{Kind: EntryCapGrant, Visibility: Public}.Validate())
	assert.Error(t, EntryType{Kind: EntryApp, Visibility: "secret"}.Validate())
}

func TestEntryValidate(t *testing.T) {
	assert.NoError(t, AppEntry(make([]byte, MaxEntrySize-1)).Validate())
	assert.Error(t, AppEntry(make([]byte, MaxEntrySize)).Validate(), "size must be strictly below the bound")

	grant := Entry{Kind: EntryCapGrant, CapGrant: &CapGrant{Tag: "t", Access: AccessTransferable}}
	assert.Error(t, grant.Validate(), "transferable grant needs a secret")
	grant.CapGrant.Secret = []byte("s")
	assert.NoError(t, grant.Validate())

	assigned := Entry{Kind: EntryCapGrant, CapGrant: &CapGrant{Access: AccessAssigned, Secret: []byte("s")}}
	assert.Error(t, assigned.Validate(), "assigned grant needs assignees")
}

func TestNewRecordEntryState(t *testing.T) {
	e := AppEntry([]byte("x"))
	public := SignedAction{Action: Action{Kind: ActionCreate, EntryType: &EntryType{Kind: EntryApp, Visibility: Public}}}
	private := SignedAction{Action: Action{Kind: ActionCreate, EntryType: &EntryType{Kind: EntryApp, Visibility: Private}}}
	link := SignedAction{Action: Action{Kind: ActionCreateLink}}

	assert.Equal(t, EntryPresent, NewRecord(public, &e).EntryState)
	assert.Equal(t, EntryNotStored, NewRecord(public, nil).EntryState)
	assert.Equal(t, EntryHidden, NewRecord(private, &e).EntryState)
	assert.Nil(t, NewRecord(private, &e).Entry)
	assert.Equal(t, EntryNA, NewRecord(link, nil).EntryState)
}
