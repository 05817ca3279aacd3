package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Summary renders a result as stable text: one line per step, one line
// per node, then the verdict and any errors. It contains no hashes, so it
// stays readable as a golden file.
func (r *Result) Summary(name string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", name)
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "step %d %s\n", s.Index, s.Detail)
	}
	for _, n := range r.Nodes {
		fmt.Fprintf(&b, "node %s actions_valid=%d actions_rejected=%d links=%d limbo=%d warrants=%d\n",
			n.Label, n.ActionsValid, n.ActionsRejected, n.Links, n.Limbo, n.Warrants)
	}
	if r.Pass {
		b.WriteString("pass\n")
	} else {
		b.WriteString("fail\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "error %s\n", strings.ReplaceAll(e, "\n", " "))
		}
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its summary against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against the golden file for
// scenarioName without re-running it.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, result.Summary(scenarioName))
}
