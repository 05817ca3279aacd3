package ir

import (
	"fmt"
	"slices"
	"strings"
)

// TransformInput is everything ProduceOps needs for one action.
type TransformInput struct {
	Action SignedAction
	// Entry is required for Create and Update of public entry types and
	// ignored otherwise.
	Entry *Entry
	// DeletedEntryVisibility is required for Delete: it decides whether the
	// entry-addressed deletion op is produced.
	DeletedEntryVisibility Visibility
}

// ProduceOps maps one signed action to the chain ops it implies.
// Pure and deterministic: ops are returned sorted by kind.
//
// CRITICAL: private entries never produce entry-addressed ops. Entry
// authorities are chosen by content hash alone, so an entry-addressed op
// would leak private content to them. Record-addressed ops carry
// EntryHidden instead.
func ProduceOps(in TransformInput) ([]ChainOp, error) {
	sa := in.Action
	a := sa.Action

	activity := ChainOp{Kind: OpRegisterAgentActivity, Action: sa, EntryState: EntryNA}
	ops := []ChainOp{activity}

	switch a.Kind {
	case ActionDna, ActionAgentValidationPkg, ActionInitZomesComplete:
		// agent activity only

	case ActionCreate:
		entry, state, err := carriedEntry(a, in.Entry)
		if err != nil {
			return nil, err
		}
		ops = append(ops, ChainOp{Kind: OpStoreRecord, Action: sa, Entry: entry, EntryState: state})
		if state == EntryPresent {
			ops = append(ops, ChainOp{Kind: OpStoreEntry, Action: sa, Entry: entry, EntryState: EntryPresent})
		}

	case ActionUpdate:
		entry, state, err := carriedEntry(a, in.Entry)
		if err != nil {
			return nil, err
		}
		ops = append(ops, ChainOp{Kind: OpRegisterUpdatedRecord, Action: sa, Entry: entry, EntryState: state})
		if state == EntryPresent {
			ops = append(ops, ChainOp{Kind: OpRegisterUpdatedContent, Action: sa, Entry: entry, EntryState: EntryPresent})
		}

	case ActionDelete:
		switch in.DeletedEntryVisibility {
		case Public, Private:
		default:
			return nil, fmt.Errorf("transform: delete requires the deleted entry's visibility")
		}
		ops = append(ops, ChainOp{Kind: OpRegisterDeletedBy, Action: sa, EntryState: EntryNA})
		if in.DeletedEntryVisibility == Public {
			ops = append(ops, ChainOp{Kind: OpRegisterDeletedEntryAction, Action: sa, EntryState: EntryNA})
		}

	case ActionCreateLink:
		ops = append(ops, ChainOp{Kind: OpRegisterAddLink, Action: sa, EntryState: EntryNA})

	case ActionDeleteLink:
		ops = append(ops, ChainOp{Kind: OpRegisterRemoveLink, Action: sa, EntryState: EntryNA})

	default:
		return nil, fmt.Errorf("transform: unknown action kind %q", a.Kind)
	}

	slices.SortFunc(ops, func(x, y ChainOp) int {
		return strings.Compare(string(x.Kind), string(y.Kind))
	})
	return ops, nil
}

// carriedEntry decides what a record-addressed op carries for a
// Create or Update.
func carriedEntry(a Action, entry *Entry) (*Entry, EntryState, error) {
	if a.EntryType == nil {
		return nil, "", fmt.Errorf("transform: %s without entry type", a.Kind)
	}
	if !a.EntryType.IsPublic() {
		return nil, EntryHidden, nil
	}
	if entry == nil {
		return nil, "", fmt.Errorf("transform: public %s requires its entry", a.Kind)
	}
	return entry, EntryPresent, nil
}
