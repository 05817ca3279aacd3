// Package apphost runs application validation: the integrity rules an
// application attaches to its entry and link types.
//
// A Host receives one op as an ir.OpView and answers Valid, Invalid with a
// reason, or UnresolvedDependencies when the rules need data this node does
// not hold yet. Several hosts ship here:
//
//   - CELHost evaluates per-type CEL rules from the integrity manifest
//   - SchemaHost checks app entries against per-type JSON schemas
//   - JSHost calls a JavaScript validate(op) function (goja)
//   - WASMHost runs a WASI module with the op on stdin (wazero)
//   - AcceptHost accepts everything
//
// Hosts can be stacked with Composite.
package apphost

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/dhtcore/internal/ir"
)

// Verdict is the kind of application outcome.
type Verdict int

const (
	VerdictValid Verdict = iota + 1
	VerdictInvalid
	VerdictUnresolved
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	case VerdictUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Outcome is a host's answer for one op.
type Outcome struct {
	Verdict Verdict
	Reason  string
	// Unresolved lists the hashes the host needs before it can decide.
	Unresolved []ir.AnyHash
}

// Valid accepts the op.
func Valid() Outcome {
	return Outcome{Verdict: VerdictValid}
}

// Invalid rejects the op with a reason.
func Invalid(format string, args ...any) Outcome {
	return Outcome{Verdict: VerdictInvalid, Reason: fmt.Sprintf(format, args...)}
}

// UnresolvedDependencies defers the decision until hashes are available.
func UnresolvedDependencies(hashes ...ir.AnyHash) Outcome {
	return Outcome{Verdict: VerdictUnresolved, Unresolved: hashes}
}

// IsValid reports whether the outcome accepts the op.
func (o Outcome) IsValid() bool {
	return o.Verdict == VerdictValid
}

// String formats the outcome for logs.
func (o Outcome) String() string {
	switch o.Verdict {
	case VerdictInvalid:
		return "invalid: " + o.Reason
	case VerdictUnresolved:
		hs := make([]string, len(o.Unresolved))
		for i, h := range o.Unresolved {
			hs[i] = ir.Short(h)
		}
		return "unresolved: " + strings.Join(hs, ",")
	default:
		return o.Verdict.String()
	}
}

// Host validates ops against application rules.
//
// A returned error means the host itself failed (bad program, runtime
// fault) and the op should be retried; it is not a rejection.
type Host interface {
	Validate(ctx context.Context, op ir.OpView) (Outcome, error)
}

// HostFunc adapts a function to Host.
type HostFunc func(ctx context.Context, op ir.OpView) (Outcome, error)

// Validate calls f.
func (f HostFunc) Validate(ctx context.Context, op ir.OpView) (Outcome, error) {
	return f(ctx, op)
}

// AcceptHost accepts every op. Used when an application declares no rules.
type AcceptHost struct{}

// Validate returns Valid.
func (AcceptHost) Validate(context.Context, ir.OpView) (Outcome, error) {
	return Valid(), nil
}

// Composite runs hosts in order and returns the first outcome that is not
// Valid. An empty Composite accepts everything.
type Composite []Host

// Validate runs each host in turn.
func (c Composite) Validate(ctx context.Context, op ir.OpView) (Outcome, error) {
	for _, h := range c {
		out, err := h.Validate(ctx, op)
		if err != nil {
			return Outcome{}, err
		}
		if !out.IsValid() {
			return out, nil
		}
	}
	return Valid(), nil
}
