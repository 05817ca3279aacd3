package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/dhtcore/internal/apphost"
	"github.com/roach88/dhtcore/internal/cache"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/manifest"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
	"github.com/roach88/dhtcore/internal/testutil"
	"github.com/roach88/dhtcore/internal/workflow"
)

// harnessSeed derives every node and remote agent key, so hashes are
// identical across runs.
var harnessSeed = []byte("dhtcore-harness-seed")

// maxQuiesceRounds bounds a drain step. Each round drains every node once.
const maxQuiesceRounds = 50

// agentRefPrefix marks a reference to an agent key: "agent:alice".
const agentRefPrefix = "agent:"

func deriveSigner(label string) (*keystore.Ed25519Signer, error) {
	return keystore.Derive(harnessSeed, label)
}

// peerRef lets a node join the hub before it exists.
type peerRef struct {
	network.Handler
}

type harnessNode struct {
	label string
	node  *workflow.Node
	store *store.Store
	cache *cache.Cache
}

// named is an action a step authored or received under an As name.
type named struct {
	action ir.SignedAction
	hash   ir.ActionHash
}

// Harness executes one scenario. Every node runs the real pipeline over
// its own SQLite store and bbolt cache in a temporary directory.
type Harness struct {
	scenario *Scenario
	dir      string
	clock    *testutil.ManualClock
	hub      *network.Hub
	nodes    []*harnessNode
	remotes  map[string]*remoteAgent
	names    map[string]named
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create a temporary directory, the loopback hub and one node per label
// 2. Execute steps in order, recording a hash-free detail line for each
// 3. Summarize every node's store
// 4. Evaluate assertions
//
// A step that fails unexpectedly stops the run and is reported as a
// result error. Infrastructure failures are returned as errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	dir, err := os.MkdirTemp("", "dhtcore-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		scenario: scenario,
		dir:      dir,
		clock:    testutil.NewManualClock(),
		hub:      network.NewHub(rate.Inf, 1),
		remotes:  make(map[string]*remoteAgent),
		names:    make(map[string]named),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	defer h.close()

	host, err := h.openHost(ctx)
	if err != nil {
		return nil, err
	}
	for _, label := range scenario.Nodes {
		if err := h.addNode(label, host); err != nil {
			return nil, fmt.Errorf("node %s: %w", label, err)
		}
	}

	result := NewResult()
	result.Name = scenario.Name
	for i, step := range scenario.Steps {
		detail, err := h.execute(ctx, step)
		switch {
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("step %d (%s): expected error containing %q", i+1, step.Do, step.ExpectError))
		case step.ExpectError != "" && !strings.Contains(err.Error(), step.ExpectError):
			result.AddError(fmt.Sprintf("step %d (%s): error %q does not contain %q", i+1, step.Do, err, step.ExpectError))
		case step.ExpectError != "":
			detail += ": refused"
		case err != nil:
			result.AddError(fmt.Sprintf("step %d (%s): %v", i+1, step.Do, err))
		}
		result.AddStep(i+1, step.Do, detail)
		if !result.Pass {
			return result, nil
		}
	}

	for _, n := range h.nodes {
		summary, err := h.summarize(ctx, n)
		if err != nil {
			return nil, err
		}
		result.Nodes = append(result.Nodes, summary)
	}

	for _, msg := range h.evaluate(ctx, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) close() {
	for _, n := range h.nodes {
		n.node.Close()
		if err := n.cache.Close(); err != nil {
			h.logger.Warn("close cache", "node", n.label, "error", err)
		}
		if err := n.store.Close(); err != nil {
			h.logger.Warn("close store", "node", n.label, "error", err)
		}
	}
}

func (h *Harness) openHost(ctx context.Context) (apphost.Host, error) {
	hostCfg := h.scenario.AppHost
	if hostCfg == nil {
		return apphost.AcceptHost{}, nil
	}
	var m *manifest.Manifest
	if hostCfg.Manifest != "" {
		var err error
		if m, err = manifest.LoadFile(h.scenario.resolve(hostCfg.Manifest)); err != nil {
			return nil, fmt.Errorf("failed to load manifest: %w", err)
		}
	}
	host, err := apphost.Open(ctx, hostCfg.Kind, m, apphost.Options{Path: h.scenario.resolve(hostCfg.File)})
	if err != nil {
		return nil, fmt.Errorf("failed to open app host: %w", err)
	}
	return host, nil
}

func (h *Harness) addNode(label string, host apphost.Host) error {
	signer, err := deriveSigner(label)
	if err != nil {
		return err
	}
	s, err := store.Open(filepath.Join(h.dir, label+".db"))
	if err != nil {
		return err
	}
	c, err := cache.Open(filepath.Join(h.dir, label+".cache"))
	if err != nil {
		s.Close()
		return err
	}

	ref := &peerRef{}
	end := h.hub.Join(signer.Agent(), ref, network.FullResponsibility)
	n, err := workflow.New(workflow.Config{
		Signer:    signer,
		Store:     s,
		Cache:     c,
		Host:      host,
		Transport: end,
		Fetcher:   end,
		Clock:     h.clock,
		Logger:    h.logger.With("node", label),
	})
	if err != nil {
		c.Close()
		s.Close()
		return err
	}
	ref.Handler = n
	h.nodes = append(h.nodes, &harnessNode{label: label, node: n, store: s, cache: c})
	return nil
}

func (h *Harness) node(label string) *harnessNode {
	for _, n := range h.nodes {
		if n.label == label {
			return n
		}
	}
	return nil
}

func (h *Harness) remote(label string) (*remoteAgent, error) {
	if r, ok := h.remotes[label]; ok {
		return r, nil
	}
	r, err := newRemoteAgent(label, testutil.StartTime)
	if err != nil {
		return nil, err
	}
	h.remotes[label] = r
	return r, nil
}

// execute runs one step and returns its detail line.
func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	switch step.Do {
	case DoDrain:
		return "drain: quiescent", h.quiesce(ctx)
	case DoAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return "", err
		}
		h.clock.Advance(d)
		return fmt.Sprintf("advance %s", d), nil
	case DoReceive:
		return h.receive(ctx, step)
	case DoTamper:
		return h.tamper(ctx, step)
	default:
		return h.author(ctx, step)
	}
}

func (h *Harness) author(ctx context.Context, step Step) (string, error) {
	n := h.node(step.Node)
	a := n.node.Author()
	detail := fmt.Sprintf("%s %s", step.Do, step.Node)
	if step.As != "" {
		detail += " " + step.As
	}

	var (
		sa  ir.SignedAction
		err error
	)
	switch step.Do {
	case DoInit:
		var actions []ir.SignedAction
		actions, err = a.InitChain(ctx, "dna-harness", nil)
		if err != nil {
			return detail, err
		}
		return fmt.Sprintf("%s: %d actions", detail, len(actions)), nil
	case DoCreate:
		vis := ir.Public
		if step.Private {
			vis = ir.Private
		}
		sa, err = a.Create(ctx, ir.EntryType{Kind: ir.EntryApp, Visibility: vis}, ir.AppEntry([]byte(step.Payload)))
	case DoUpdate:
		var target ir.AnyHash
		if target, err = h.ref(step.Target); err == nil {
			sa, err = a.Update(ctx, ir.ActionHash(target), ir.AppEntry([]byte(step.Payload)))
		}
	case DoDelete:
		var target ir.AnyHash
		if target, err = h.ref(step.Target); err == nil {
			sa, err = a.Delete(ctx, ir.ActionHash(target))
		}
	case DoLink:
		var base, target ir.AnyHash
		if base, err = h.ref(step.Base); err != nil {
			return detail, err
		}
		if target, err = h.ref(step.Target); err != nil {
			return detail, err
		}
		sa, err = a.CreateLink(ctx, base, target, 0, step.LinkType, h.tag(step))
	case DoUnlink:
		var target ir.AnyHash
		if target, err = h.ref(step.Target); err == nil {
			sa, err = a.DeleteLink(ctx, ir.ActionHash(target))
		}
	default:
		return detail, fmt.Errorf("unknown action %q", step.Do)
	}
	if err != nil {
		return detail, err
	}
	if err := h.remember(step.As, sa); err != nil {
		return detail, err
	}
	return fmt.Sprintf("%s: seq %d", detail, sa.Action.Seq), nil
}

// receive delivers a remote agent's ops to one node, as gossip would.
func (h *Harness) receive(ctx context.Context, step Step) (string, error) {
	detail := fmt.Sprintf("receive %s from %s %s", step.Node, step.From, step.Chain)
	r, err := h.remote(step.From)
	if err != nil {
		return detail, err
	}

	var (
		ops []ir.ChainOp
		sa  ir.SignedAction
	)
	switch step.Chain {
	case ChainGenesis:
		ops, err = r.genesis()
	case ChainCreate:
		sa, ops, err = r.create([]byte(step.Payload))
	case ChainLink:
		base := ir.AnyHash(r.key())
		if step.Base != "" {
			if base, err = h.ref(step.Base); err != nil {
				return detail, err
			}
		}
		target := base
		if step.Target != "" {
			if target, err = h.ref(step.Target); err != nil {
				return detail, err
			}
		}
		sa, ops, err = r.link(base, target, step.LinkType, h.tag(step))
	case ChainFork:
		ops, err = r.fork([]byte(step.Payload))
	default:
		err = fmt.Errorf("unknown chain %q", step.Chain)
	}
	if err != nil {
		return detail, err
	}
	if sa.Signature != nil {
		if err := h.remember(step.As, sa); err != nil {
			return detail, err
		}
	}

	claimed, err := claimAll(ops)
	if err != nil {
		return detail, err
	}
	if err := h.node(step.Node).node.HandleOps(ctx, claimed); err != nil {
		return detail, err
	}
	return fmt.Sprintf("%s: %d ops", detail, len(ops)), nil
}

// tamper delivers forged ops. The intake gate must refuse them.
func (h *Harness) tamper(ctx context.Context, step Step) (string, error) {
	detail := fmt.Sprintf("tamper %s from %s %s", step.Node, step.From, step.Forge)
	r, err := h.remote(step.From)
	if err != nil {
		return detail, err
	}
	claimed, err := r.forged(step.Forge)
	if err != nil {
		return detail, err
	}
	return detail, h.node(step.Node).node.HandleOps(ctx, claimed)
}

// quiesce drains every node until a full round changes no store.
func (h *Harness) quiesce(ctx context.Context) error {
	prev, err := h.snapshot(ctx)
	if err != nil {
		return err
	}
	for round := 0; round < maxQuiesceRounds; round++ {
		for _, n := range h.nodes {
			if err := n.node.Drain(ctx); err != nil {
				return fmt.Errorf("drain %s: %w", n.label, err)
			}
		}
		cur, err := h.snapshot(ctx)
		if err != nil {
			return err
		}
		if round > 0 && slices.Equal(prev, cur) {
			return nil
		}
		prev = cur
	}
	return fmt.Errorf("network did not quiesce after %d rounds", maxQuiesceRounds)
}

func (h *Harness) snapshot(ctx context.Context) ([]store.Status, error) {
	out := make([]store.Status, 0, len(h.nodes))
	for _, n := range h.nodes {
		st, err := n.store.Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (h *Harness) summarize(ctx context.Context, n *harnessNode) (NodeSummary, error) {
	st, err := n.store.Status(ctx)
	if err != nil {
		return NodeSummary{}, err
	}
	authored, err := n.store.ListAuthoredOps(ctx)
	if err != nil {
		return NodeSummary{}, err
	}
	warrants := 0
	for _, op := range authored {
		if op.Kind == ir.OpWarrant {
			warrants++
		}
	}
	return NodeSummary{
		Label:           n.label,
		ActionsValid:    st.ActionsValid,
		ActionsRejected: st.ActionsRejected,
		Links:           st.Links,
		Limbo:           st.LimboPendingSys + st.LimboPendingApp + st.LimboAwaitingIntegration,
		Warrants:        warrants,
	}, nil
}

func (h *Harness) remember(as string, sa ir.SignedAction) error {
	if as == "" {
		return nil
	}
	hash, err := sa.Hash()
	if err != nil {
		return err
	}
	h.names[as] = named{action: sa, hash: hash}
	return nil
}

// ref resolves "name" to an action hash, "name.entry" to its entry hash
// and "agent:label" to an agent key.
func (h *Harness) ref(r string) (ir.AnyHash, error) {
	if isAgentRef(r) {
		return ir.AnyHash(h.agentKey(strings.TrimPrefix(r, agentRefPrefix))), nil
	}
	n, ok := h.names[baseName(r)]
	if !ok {
		return "", fmt.Errorf("unknown reference %q", r)
	}
	if strings.HasSuffix(r, ".entry") {
		if n.action.Action.EntryHash == "" {
			return "", fmt.Errorf("reference %q: action has no entry", r)
		}
		return ir.AnyHash(n.action.Action.EntryHash), nil
	}
	return ir.AnyHash(n.hash), nil
}

// agentKey returns the key for a node or remote agent label.
func (h *Harness) agentKey(label string) ir.AgentKey {
	if n := h.node(label); n != nil {
		return n.node.Agent()
	}
	s, err := deriveSigner(label)
	if err != nil {
		return ""
	}
	return s.Agent()
}

func (h *Harness) tag(step Step) []byte {
	if step.TagSize > 0 {
		return []byte(strings.Repeat("t", step.TagSize))
	}
	return []byte(step.Tag)
}

func isAgentRef(r string) bool {
	return strings.HasPrefix(r, agentRefPrefix)
}

func baseName(r string) string {
	return strings.TrimSuffix(r, ".entry")
}
