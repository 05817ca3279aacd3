package apphost

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/manifest"
)

// CEL evaluation limits.
const (
	celInterruptCheckFrequency = 100
	celCostLimit               = 10000
)

// CELHost evaluates the CEL rules declared in the integrity manifest.
//
// Entry rules see `entry`, `action`, `op` and apply to ops carrying an app
// entry of the declared type. Link rules see `action`, `tag`, `op` and
// apply to every op of a CreateLink of the declared type. A rule must
// evaluate to a bool; false rejects the op. Ops with no applicable rule
// are valid.
type CELHost struct {
	env      *cel.Env
	manifest *manifest.Manifest

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELHost builds the CEL environment and compiles every rule in m, so
// a bad rule fails at startup rather than on the first op.
func NewCELHost(m *manifest.Manifest) (*CELHost, error) {
	env, err := cel.NewEnv(
		cel.Variable("entry", cel.DynType),
		cel.Variable("action", cel.DynType),
		cel.Variable("op", cel.DynType),
		cel.Variable("tag", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel host: create environment: %w", err)
	}
	h := &CELHost{
		env:      env,
		manifest: m,
		prgCache: make(map[string]cel.Program),
	}
	if m != nil {
		for _, d := range m.EntryDefs {
			if d.Rule == "" {
				continue
			}
			if _, err := h.program(d.Rule); err != nil {
				return nil, fmt.Errorf("cel host: entry def %s: %w", d.Name, err)
			}
		}
		for _, l := range m.LinkTypes {
			if l.Rule == "" {
				continue
			}
			if _, err := h.program(l.Rule); err != nil {
				return nil, fmt.Errorf("cel host: link type %s: %w", l.Name, err)
			}
		}
	}
	return h, nil
}

// Validate evaluates the rule that applies to op, if any.
func (h *CELHost) Validate(ctx context.Context, op ir.OpView) (Outcome, error) {
	name, rule := h.ruleFor(op)
	if rule == "" {
		return Valid(), nil
	}

	doc, err := Document(op)
	if err != nil {
		return Outcome{}, err
	}
	input := map[string]any{
		"entry":  doc["entry"],
		"action": doc["action"],
		"op":     doc,
		"tag":    doc["tag"],
	}

	ok, err := h.evaluate(ctx, rule, input)
	if err != nil {
		return Invalid("rule %s: %v", name, err), nil
	}
	if !ok {
		return Invalid("rule %s denied %s", name, op.Kind), nil
	}
	return Valid(), nil
}

// ruleFor returns the rule applying to op and the name of its declaration.
func (h *CELHost) ruleFor(op ir.OpView) (string, string) {
	a := op.Action.Action
	switch {
	case a.Kind == ir.ActionCreateLink:
		if lt, ok := h.manifest.LinkType(a.ZomeIndex, a.LinkType); ok {
			return lt.Name, lt.Rule
		}
	case op.Entry != nil && op.Entry.Kind == ir.EntryApp && a.EntryType != nil:
		if d, ok := h.manifest.EntryDef(a.EntryType.ZomeIndex, a.EntryType.EntryIndex); ok {
			return d.Name, d.Rule
		}
	}
	return "", ""
}

func (h *CELHost) evaluate(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := h.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, not bool", out.Value())
	}
	return val, nil
}

// program returns the compiled program for expr, compiling it once.
func (h *CELHost) program(expr string) (cel.Program, error) {
	h.mu.RLock()
	prg, hit := h.prgCache[expr]
	h.mu.RUnlock()
	if hit {
		return prg, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prg, hit = h.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := h.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := h.env.Program(ast,
		cel.InterruptCheckFrequency(celInterruptCheckFrequency),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	h.prgCache[expr] = prg
	return prg, nil
}
