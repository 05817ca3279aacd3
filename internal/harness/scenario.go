package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dhtcore/internal/apphost"
	"github.com/roach88/dhtcore/internal/ir"
)

// Scenario defines a multi-node pipeline scenario.
// Nodes share an in-memory loopback network and a manual clock. Steps
// author onto node chains, deliver ops from remote agents, tamper with
// ops in flight and run the network to quiescence. Assertions check the
// final state of each node's store.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists the node labels. Each label derives a deterministic key.
	Nodes []string `yaml:"nodes"`

	// AppHost selects the application validation host for every node.
	// Optional; defaults to accepting everything.
	AppHost *HostSpec `yaml:"apphost,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate final node state.
	Assertions []Assertion `yaml:"assertions"`

	// dir is the scenario file's directory, used to resolve host files.
	dir string
}

// HostSpec names an application validation host. Paths are relative to
// the scenario file.
type HostSpec struct {
	Kind     string `yaml:"kind"`
	File     string `yaml:"file,omitempty"`
	Manifest string `yaml:"manifest,omitempty"`
}

// Step is one scenario action, selected by Do. Fields not used by the
// action are ignored.
type Step struct {
	Do string `yaml:"do"`

	// Node is the acting node for author steps and the receiving node for
	// receive and tamper.
	Node string `yaml:"node,omitempty"`

	// As names the authored action so later steps and assertions can refer
	// to it. "<as>" is the action hash and "<as>.entry" its entry hash.
	As string `yaml:"as,omitempty"`

	// Target is the updated, deleted or unlinked action, or a link target.
	Target string `yaml:"target,omitempty"`
	// Base is the link base.
	Base string `yaml:"base,omitempty"`

	Payload  string `yaml:"payload,omitempty"`
	Private  bool   `yaml:"private,omitempty"`
	Tag      string `yaml:"tag,omitempty"`
	TagSize  int    `yaml:"tag_size,omitempty"`
	LinkType uint8  `yaml:"link_type,omitempty"`

	// From is the remote agent label for receive and tamper.
	From string `yaml:"from,omitempty"`
	// Chain is what a remote agent sends: genesis, create, link or fork.
	Chain string `yaml:"chain,omitempty"`
	// Forge is how tamper corrupts ops: signature, entry_hash or
	// claimed_hash.
	Forge string `yaml:"forge,omitempty"`

	// Duration advances the shared clock.
	Duration string `yaml:"duration,omitempty"`

	// ExpectError makes the step pass only if it fails with an error
	// containing this text.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	DoInit    = "init"
	DoCreate  = "create"
	DoUpdate  = "update"
	DoDelete  = "delete"
	DoLink    = "link"
	DoUnlink  = "unlink"
	DoReceive = "receive"
	DoTamper  = "tamper"
	DoDrain   = "drain"
	DoAdvance = "advance"
)

// Remote chain shapes sent by receive.
const (
	ChainGenesis = "genesis"
	ChainCreate  = "create"
	ChainLink    = "link"
	ChainFork    = "fork"
)

// Forgeries applied by tamper.
const (
	ForgeSignature   = "signature"
	ForgeEntryHash   = "entry_hash"
	ForgeClaimedHash = "claimed_hash"
)

// Assertion validates final node state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`
	Node string `yaml:"node"`

	// Ref is an action name from a step's As (validity, entry, receipts).
	Ref string `yaml:"ref,omitempty"`
	// Base is the link base (links).
	Base string `yaml:"base,omitempty"`

	// Expect is the validity: valid, rejected or unknown.
	Expect string `yaml:"expect,omitempty"`
	// Present says whether the entry must be readable (entry).
	Present *bool `yaml:"present,omitempty"`
	// Count is the exact number of live links (links) or the minimum
	// number of warrants or receipts.
	Count int `yaml:"count,omitempty"`

	// Kind is the warrant kind (warrant).
	Kind string `yaml:"kind,omitempty"`
	// Against is the warranted agent label (warrant).
	Against string `yaml:"against,omitempty"`
}

// Assertion type constants.
const (
	AssertValidity   = "validity"
	AssertEntry      = "entry"
	AssertLinks      = "links"
	AssertLimboEmpty = "limbo_empty"
	AssertWarrant    = "warrant"
	AssertReceipts   = "receipts"
)

// Validity values accepted by a validity assertion.
const (
	ValidityUnknown = "unknown"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// ParseScenario parses scenario YAML. Host files resolve against the
// working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// resolve returns p relative to the scenario directory.
func (s *Scenario) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || s.dir == "" {
		return p
	}
	return filepath.Join(s.dir, p)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("nodes: empty label")
		}
		if seen[n] {
			return fmt.Errorf("nodes: duplicate label %q", n)
		}
		seen[n] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.AppHost != nil && !slices.Contains(apphost.Kinds, s.AppHost.Kind) {
		return fmt.Errorf("apphost: unknown kind %q", s.AppHost.Kind)
	}

	names := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, seen, names); err != nil {
			return err
		}
		if step.As != "" {
			names[step.As] = true
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, nodes, names map[string]bool) error {
	needNode := func() error {
		if !nodes[step.Node] {
			return fmt.Errorf("steps[%d]: %s needs a declared node, got %q", i, step.Do, step.Node)
		}
		return nil
	}
	needRef := func(field, ref string) error {
		if ref == "" {
			return fmt.Errorf("steps[%d]: %s requires %s", i, step.Do, field)
		}
		if isAgentRef(ref) {
			return nil
		}
		if !names[baseName(ref)] {
			return fmt.Errorf("steps[%d]: %s refers to unknown action %q", i, field, ref)
		}
		return nil
	}

	switch step.Do {
	case DoInit:
		return needNode()
	case DoCreate:
		return needNode()
	case DoUpdate, DoDelete, DoUnlink:
		if err := needNode(); err != nil {
			return err
		}
		return needRef("target", step.Target)
	case DoLink:
		if err := needNode(); err != nil {
			return err
		}
		if err := needRef("base", step.Base); err != nil {
			return err
		}
		return needRef("target", step.Target)
	case DoReceive:
		if err := needNode(); err != nil {
			return err
		}
		if step.From == "" {
			return fmt.Errorf("steps[%d]: receive requires from", i)
		}
		if nodes[step.From] {
			return fmt.Errorf("steps[%d]: receive from %q: remote agents must not be nodes", i, step.From)
		}
		switch step.Chain {
		case ChainGenesis, ChainCreate, ChainFork:
		case ChainLink:
			if step.Base != "" {
				if err := needRef("base", step.Base); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("steps[%d]: unknown chain %q", i, step.Chain)
		}
		return nil
	case DoTamper:
		if err := needNode(); err != nil {
			return err
		}
		if step.From == "" || nodes[step.From] {
			return fmt.Errorf("steps[%d]: tamper requires a remote agent in from", i)
		}
		switch step.Forge {
		case ForgeSignature, ForgeEntryHash, ForgeClaimedHash:
			return nil
		default:
			return fmt.Errorf("steps[%d]: unknown forge %q", i, step.Forge)
		}
	case DoDrain:
		return nil
	case DoAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", i, err)
		}
		return nil
	case "":
		return fmt.Errorf("steps[%d]: do is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", i, step.Do)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, nodes map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if !nodes[a.Node] {
		return fmt.Errorf("assertions[%d]: unknown node %q", index, a.Node)
	}

	switch a.Type {
	case AssertValidity:
		if a.Ref == "" {
			return fmt.Errorf("assertions[%d]: ref is required for validity", index)
		}
		switch a.Expect {
		case string(ir.StatusValid), string(ir.StatusRejected), ValidityUnknown:
		default:
			return fmt.Errorf("assertions[%d]: expect must be valid, rejected or unknown", index)
		}
	case AssertEntry:
		if a.Ref == "" || a.Present == nil {
			return fmt.Errorf("assertions[%d]: ref and present are required for entry", index)
		}
	case AssertLinks:
		if a.Base == "" {
			return fmt.Errorf("assertions[%d]: base is required for links", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for links", index)
		}
	case AssertLimboEmpty:
	case AssertWarrant:
		switch ir.WarrantKind(a.Kind) {
		case ir.WarrantInvalidAction, ir.WarrantChainFork:
		default:
			return fmt.Errorf("assertions[%d]: unknown warrant kind %q", index, a.Kind)
		}
		if a.Against == "" {
			return fmt.Errorf("assertions[%d]: against is required for warrant", index)
		}
	case AssertReceipts:
		if a.Ref == "" {
			return fmt.Errorf("assertions[%d]: ref is required for receipts", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
