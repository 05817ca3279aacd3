package ir

// EntryState describes the availability of a record's entry.
type EntryState string

const (
	// EntryPresent means the entry is carried alongside the action.
	EntryPresent EntryState = "present"
	// EntryHidden means the entry exists but is withheld for privacy.
	EntryHidden EntryState = "hidden"
	// EntryNA means the action kind has no entry.
	EntryNA EntryState = "na"
	// EntryNotStored means the entry exists but this node does not hold it.
	EntryNotStored EntryState = "not_stored"
)

// Record is an action plus the availability of its entry.
type Record struct {
	Action     SignedAction `json:"signed_action"`
	EntryState EntryState   `json:"entry_state"`
	Entry      *Entry       `json:"entry,omitempty"`
}

// NewRecord builds a record, deriving the entry state from the action kind,
// its entry type visibility and whether an entry was supplied.
func NewRecord(sa SignedAction, entry *Entry) Record {
	rec := Record{Action: sa, Entry: entry}
	switch {
	case !sa.Action.HasEntry():
		rec.EntryState = EntryNA
		rec.Entry = nil
	case sa.Action.EntryType != nil && !sa.Action.EntryType.IsPublic():
		rec.EntryState = EntryHidden
		rec.Entry = nil
	case entry != nil:
		rec.EntryState = EntryPresent
	default:
		rec.EntryState = EntryNotStored
	}
	return rec
}
