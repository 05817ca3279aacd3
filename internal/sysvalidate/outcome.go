// Package sysvalidate implements the structural (system-level) checks run
// on every op before application validation.
//
// The checks are pure functions of the op, its resolved dependencies and
// the optional integrity manifest. They never write; the workflow records
// the outcome in limbo.
package sysvalidate

import (
	"fmt"
	"strings"

	"github.com/roach88/dhtcore/internal/ir"
)

// Verdict is the kind of structural outcome.
type Verdict int

const (
	// Accepted means every structural check passed.
	Accepted Verdict = iota + 1
	// Rejected means the op is structurally invalid. Terminal.
	Rejected
	// MissingDep means a dependency could not be resolved yet. The op
	// stays pending and is retried; no outcome is recorded.
	MissingDep
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case MissingDep:
		return "missing_dep"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Outcome is the result of structurally validating one op.
type Outcome struct {
	Verdict Verdict
	Reason  string       // set when Rejected
	Missing []ir.AnyHash // set when MissingDep
}

// Accept returns an Accepted outcome.
func Accept() Outcome {
	return Outcome{Verdict: Accepted}
}

// Reject returns a Rejected outcome with a formatted reason.
func Reject(format string, args ...any) Outcome {
	return Outcome{Verdict: Rejected, Reason: fmt.Sprintf(format, args...)}
}

// Missing returns a MissingDep outcome for the given hashes.
func Missing(hashes ...ir.AnyHash) Outcome {
	return Outcome{Verdict: MissingDep, Missing: hashes}
}

// IsAccepted reports whether the outcome is Accepted.
func (o Outcome) IsAccepted() bool {
	return o.Verdict == Accepted
}

// String formats the outcome for logs.
func (o Outcome) String() string {
	switch o.Verdict {
	case Rejected:
		return "rejected: " + o.Reason
	case MissingDep:
		short := make([]string, len(o.Missing))
		for i, h := range o.Missing {
			short[i] = ir.Short(h)
		}
		return "missing: " + strings.Join(short, ",")
	default:
		return o.Verdict.String()
	}
}
