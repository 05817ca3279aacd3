package ir

import "fmt"

// Size bounds. A value is accepted iff its size is strictly below the bound.
const (
	// MaxEntrySize bounds the byte length of an app entry payload.
	MaxEntrySize = 16_000_000

	// MaxTagSize bounds the byte length of a link tag.
	MaxTagSize = 1000
)

// EntryKind discriminates the Entry variants.
type EntryKind string

const (
	EntryAgent    EntryKind = "agent"
	EntryApp      EntryKind = "app"
	EntryCapGrant EntryKind = "cap_grant"
	EntryCapClaim EntryKind = "cap_claim"
)

// Visibility controls whether an entry is ever distributed in full.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// AccessLevel gates calls authorized by a capability grant.
type AccessLevel string

const (
	AccessUnrestricted AccessLevel = "unrestricted"
	AccessTransferable AccessLevel = "transferable" // secret-gated
	AccessAssigned     AccessLevel = "assigned"     // secret + assignee list
)

// EntryType is carried by Create and Update actions.
// ZomeIndex and EntryIndex are only meaningful for app entries.
type EntryType struct {
	Kind       EntryKind  `json:"kind"`
	ZomeIndex  uint8      `json:"zome_index"`
	EntryIndex uint8      `json:"entry_index"`
	Visibility Visibility `json:"visibility"`
}

// Canonical returns the canonical map form of the entry type.
func (t EntryType) Canonical() map[string]any {
	m := map[string]any{
		"kind":       string(t.Kind),
		"visibility": string(t.Visibility),
	}
	if t.Kind == EntryApp {
		m["zome_index"] = t.ZomeIndex
		m["entry_index"] = t.EntryIndex
	}
	return m
}

// IsPublic reports whether entries of this type are distributed.
func (t EntryType) IsPublic() bool {
	return t.Visibility == Public
}

// Validate checks kind-level visibility rules.
// Agent entries are always public; capability entries are always private.
func (t EntryType) Validate() error {
	switch t.Visibility {
	case Public, Private:
	default:
		return fmt.Errorf("entry type: unknown visibility %q", t.Visibility)
	}
	switch t.Kind {
	case EntryAgent:
		if t.Visibility != Public {
			return fmt.Errorf("entry type: agent entries must be public")
		}
	case EntryApp:
	case EntryCapGrant, EntryCapClaim:
		if t.Visibility != Private {
			return fmt.Errorf("entry type: %s entries must be private", t.Kind)
		}
	default:
		return fmt.Errorf("entry type: unknown kind %q", t.Kind)
	}
	return nil
}

// CapGrant authorizes calls to a set of functions.
type CapGrant struct {
	Tag       string      `json:"tag"`
	Access    AccessLevel `json:"access"`
	Secret    []byte      `json:"secret,omitempty"`
	Assignees []AgentKey  `json:"assignees,omitempty"`
	Functions []string    `json:"functions"`
}

// CapClaim records a secret received from a grantor.
type CapClaim struct {
	Tag     string   `json:"tag"`
	Grantor AgentKey `json:"grantor"`
	Secret  []byte   `json:"secret"`
}

// Entry is the application payload referenced by Create and Update.
// Exactly one payload field is set, selected by Kind.
type Entry struct {
	Kind     EntryKind `json:"kind"`
	Agent    AgentKey  `json:"agent,omitempty"`
	App      []byte    `json:"app,omitempty"`
	CapGrant *CapGrant `json:"cap_grant,omitempty"`
	CapClaim *CapClaim `json:"cap_claim,omitempty"`
}

// AppEntry builds an app entry from raw bytes.
func AppEntry(payload []byte) Entry {
	return Entry{Kind: EntryApp, App: payload}
}

// AgentEntry builds an agent identity entry.
func AgentEntry(agent AgentKey) Entry {
	return Entry{Kind: EntryAgent, Agent: agent}
}

// Canonical returns the canonical map form used for hashing.
func (e Entry) Canonical() (map[string]any, error) {
	m := map[string]any{"kind": string(e.Kind)}
	switch e.Kind {
	case EntryAgent:
		m["agent"] = string(e.Agent)
	case EntryApp:
		m["app"] = e.App
	case EntryCapGrant:
		if e.CapGrant == nil {
			return nil, fmt.Errorf("entry: cap_grant payload missing")
		}
		g := e.CapGrant
		assignees := make([]string, len(g.Assignees))
		for i, a := range g.Assignees {
			assignees[i] = string(a)
		}
		m["cap_grant"] = map[string]any{
			"tag":       g.Tag,
			"access":    string(g.Access),
			"secret":    g.Secret,
			"assignees": assignees,
			"functions": append([]string{}, g.Functions...),
		}
	case EntryCapClaim:
		if e.CapClaim == nil {
			return nil, fmt.Errorf("entry: cap_claim payload missing")
		}
		m["cap_claim"] = map[string]any{
			"tag":     e.CapClaim.Tag,
			"grantor": string(e.CapClaim.Grantor),
			"secret":  e.CapClaim.Secret,
		}
	default:
		return nil, fmt.Errorf("entry: unknown kind %q", e.Kind)
	}
	return m, nil
}

// Hash computes the entry's content address.
func (e Entry) Hash() (EntryHash, error) {
	m, err := e.Canonical()
	if err != nil {
		return "", err
	}
	h, err := hashCanonical(DomainEntry, m)
	if err != nil {
		return "", err
	}
	return EntryHash(h), nil
}

// Size returns the payload size checked against MaxEntrySize.
func (e Entry) Size() int {
	if e.Kind == EntryApp {
		return len(e.App)
	}
	return 0
}

// Validate checks the payload against the access level rules.
func (e Entry) Validate() error {
	switch e.Kind {
	case EntryAgent:
		return e.Agent.Validate()
	case EntryApp:
		if e.Size() >= MaxEntrySize {
			return fmt.Errorf("entry: size %d exceeds bound %d", e.Size(), MaxEntrySize)
		}
		return nil
	case EntryCapGrant:
		if e.CapGrant == nil {
			return fmt.Errorf("entry: cap_grant payload missing")
		}
		switch e.CapGrant.Access {
		case AccessUnrestricted:
		case AccessTransferable:
			if len(e.CapGrant.Secret) == 0 {
				return fmt.Errorf("entry: transferable grant requires a secret")
			}
		case AccessAssigned:
			if len(e.CapGrant.Secret) == 0 || len(e.CapGrant.Assignees) == 0 {
				return fmt.Errorf("entry: assigned grant requires a secret and assignees")
			}
		default:
			return fmt.Errorf("entry: unknown access level %q", e.CapGrant.Access)
		}
		return nil
	case EntryCapClaim:
		if e.CapClaim == nil {
			return fmt.Errorf("entry: cap_claim payload missing")
		}
		return nil
	default:
		return fmt.Errorf("entry: unknown kind %q", e.Kind)
	}
}
