package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Index    int
	Type     string
	Node     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion %d failed: %s on %s\n", e.Index, e.Type, e.Node)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// evaluate runs every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := h.check(ctx, a); err != nil {
			var ae *AssertionError
			if errors.As(err, &ae) {
				ae.Index = i + 1
				ae.Type = a.Type
				ae.Node = a.Node
			}
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	n := h.node(a.Node)
	switch a.Type {
	case AssertValidity:
		return h.assertValidity(ctx, n, a)
	case AssertEntry:
		return h.assertEntry(ctx, n, a)
	case AssertLinks:
		return h.assertLinks(ctx, n, a)
	case AssertLimboEmpty:
		return assertLimboEmpty(ctx, n)
	case AssertWarrant:
		return h.assertWarrant(ctx, n, a)
	case AssertReceipts:
		return h.assertReceipts(ctx, n, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertValidity compares the aggregated validity of a named action.
func (h *Harness) assertValidity(ctx context.Context, n *harnessNode, a Assertion) error {
	hash, err := h.ref(a.Ref)
	if err != nil {
		return err
	}
	got, err := n.store.ActionValidity(ctx, ir.ActionHash(hash))
	if err != nil {
		return err
	}
	actual := string(got)
	if actual == "" {
		actual = ValidityUnknown
	}
	if actual != a.Expect {
		return &AssertionError{
			Expected: fmt.Sprintf("%s is %s", a.Ref, a.Expect),
			Actual:   actual,
		}
	}
	return nil
}

// assertEntry checks whether the entry of a named action is readable.
func (h *Harness) assertEntry(ctx context.Context, n *harnessNode, a Assertion) error {
	hash, err := h.ref(baseName(a.Ref) + ".entry")
	if err != nil {
		return err
	}
	_, err = n.store.GetEntry(ctx, ir.EntryHash(hash))
	present := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if present != *a.Present {
		return &AssertionError{
			Expected: fmt.Sprintf("entry of %s present=%t", a.Ref, *a.Present),
			Actual:   fmt.Sprintf("present=%t", present),
		}
	}
	return nil
}

// assertLinks checks the exact number of live links at a base.
func (h *Harness) assertLinks(ctx context.Context, n *harnessNode, a Assertion) error {
	base, err := h.ref(a.Base)
	if err != nil {
		return err
	}
	links, err := n.store.GetLinks(ctx, store.LinkQuery{Base: base})
	if err != nil {
		return err
	}
	if len(links) != a.Count {
		return &AssertionError{
			Expected: fmt.Sprintf("%d links at %s", a.Count, a.Base),
			Actual:   fmt.Sprintf("%d links", len(links)),
		}
	}
	return nil
}

func assertLimboEmpty(ctx context.Context, n *harnessNode) error {
	limbo, err := n.store.ListLimbo(ctx)
	if err != nil {
		return err
	}
	if len(limbo) > 0 {
		kinds := make([]string, 0, len(limbo))
		for _, l := range limbo {
			kinds = append(kinds, fmt.Sprintf("%s@%s", l.Kind, l.Stage))
		}
		return &AssertionError{
			Expected: "empty limbo",
			Actual:   strings.Join(kinds, ", "),
		}
	}
	return nil
}

// assertWarrant counts warrants of a kind this node authored against an
// agent. Count is a minimum and defaults to one.
func (h *Harness) assertWarrant(ctx context.Context, n *harnessNode, a Assertion) error {
	target := h.agentKey(a.Against)
	authored, err := n.store.ListAuthoredOps(ctx)
	if err != nil {
		return err
	}
	got := 0
	for _, op := range authored {
		w := op.Op.Warrant
		if w != nil && w.Warrant.Kind == ir.WarrantKind(a.Kind) && w.Warrant.Target == target {
			got++
		}
	}
	want := max(a.Count, 1)
	if got < want {
		return &AssertionError{
			Expected: fmt.Sprintf("at least %d %s warrants against %s", want, a.Kind, a.Against),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertReceipts sums the receipts the node received for the authored
// ops of a named action. Count is a minimum and defaults to one.
func (h *Harness) assertReceipts(ctx context.Context, n *harnessNode, a Assertion) error {
	hash, err := h.ref(a.Ref)
	if err != nil {
		return err
	}
	authored, err := n.store.ListAuthoredOps(ctx)
	if err != nil {
		return err
	}
	got := 0
	for _, op := range authored {
		if op.ActionHash == ir.ActionHash(hash) {
			got += op.ReceiptCount
		}
	}
	want := max(a.Count, 1)
	if got < want {
		return &AssertionError{
			Expected: fmt.Sprintf("at least %d receipts for %s", want, a.Ref),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}
