package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "testdata/scenarios"

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join(scenarioDir, name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRogueAgentGolden(t *testing.T) {
	s := loadTestScenario(t, "rogue_agent")
	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestSharedNote(t *testing.T) {
	s := loadTestScenario(t, "shared_note")
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Nodes, 2)
	for _, n := range result.Nodes {
		assert.Equal(t, 5, n.ActionsValid, n.Label)
		assert.Equal(t, 0, n.ActionsRejected, n.Label)
		assert.Equal(t, 1, n.Links, n.Label)
		assert.Equal(t, 0, n.Warrants, n.Label)
	}
	assert.Equal(t, "init alice: 3 actions", result.Steps[0].Detail)
	assert.Equal(t, "create alice note: seq 3", result.Steps[1].Detail)
	assert.Equal(t, "link alice likes: seq 4", result.Steps[2].Detail)
}

func TestForkedChainIsWarranted(t *testing.T) {
	s := loadTestScenario(t, "forked_chain")
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "receive bob from mallory fork: 6 ops", result.Steps[1].Detail)
}

func TestAppHostRejectsSpamLink(t *testing.T) {
	s := loadTestScenario(t, "no_spam")
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Nodes, 1)
	bob := result.Nodes[0]
	assert.Equal(t, 4, bob.ActionsValid)
	assert.Equal(t, 1, bob.ActionsRejected)
	assert.Equal(t, 1, bob.Warrants)
}

func TestTamperVariantsAreRefused(t *testing.T) {
	for _, forge := range []string{ForgeSignature, ForgeEntryHash, ForgeClaimedHash} {
		t.Run(forge, func(t *testing.T) {
			s := &Scenario{
				Name:        "tamper_" + forge,
				Description: "forged ops are refused at intake",
				Nodes:       []string{"bob"},
				Steps: []Step{
					{Do: DoTamper, Node: "bob", From: "mallory", Forge: forge, ExpectError: "COUNTERFEIT"},
				},
				Assertions: []Assertion{{Type: AssertLimboEmpty, Node: "bob"}},
			}
			result, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Equal(t, "tamper bob from mallory "+forge+": refused", result.Steps[0].Detail)
		})
	}
}

func TestUnexpectedSuccessFailsStep(t *testing.T) {
	s := &Scenario{
		Name:        "unexpected_success",
		Description: "an honest create is not refused",
		Nodes:       []string{"alice"},
		Steps: []Step{
			{Do: DoInit, Node: "alice"},
			{Do: DoCreate, Node: "alice", Payload: "fine", ExpectError: "REJECTED"},
			{Do: DoDrain},
		},
		Assertions: []Assertion{{Type: AssertLimboEmpty, Node: "alice"}},
	}
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected error containing")
	// The run stops at the failing step.
	assert.Len(t, result.Steps, 2)
	assert.Empty(t, result.Nodes)
}

func TestFailingAssertionsAreReported(t *testing.T) {
	present := false
	s := &Scenario{
		Name:        "wrong_expectations",
		Description: "every assertion is wrong",
		Nodes:       []string{"alice"},
		Steps: []Step{
			{Do: DoInit, Node: "alice"},
			{Do: DoCreate, Node: "alice", As: "note", Payload: "hello"},
			{Do: DoDrain},
		},
		Assertions: []Assertion{
			{Type: AssertValidity, Node: "alice", Ref: "note", Expect: "rejected"},
			{Type: AssertEntry, Node: "alice", Ref: "note", Present: &present},
			{Type: AssertLinks, Node: "alice", Base: "note.entry", Count: 2},
			{Type: AssertWarrant, Node: "alice", Kind: "invalid_action", Against: "mallory"},
		},
	}
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "assertion 1 failed: validity on alice")
	assert.Contains(t, result.Errors[0], "Actual: valid")
	assert.Contains(t, result.Errors[1], "present=true")
	assert.Contains(t, result.Errors[2], "0 links")
	assert.Contains(t, result.Errors[3], "invalid_action")

	summary := string(result.Summary("wrong_expectations"))
	assert.Contains(t, summary, "fail\n")
	assert.Contains(t, summary, "error assertion 1 failed: validity on alice   Expected: note is rejected")
}

func TestAdvanceAndUnknownValidity(t *testing.T) {
	s := &Scenario{
		Name:        "undrained",
		Description: "authored actions are unknown until the node drains",
		Nodes:       []string{"alice"},
		Steps: []Step{
			{Do: DoInit, Node: "alice"},
			{Do: DoAdvance, Duration: "10m"},
			{Do: DoCreate, Node: "alice", As: "note", Payload: "later"},
		},
		Assertions: []Assertion{
			{Type: AssertValidity, Node: "alice", Ref: "note", Expect: ValidityUnknown},
		},
	}
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "advance 10m0s", result.Steps[1].Detail)
}

func TestRunRejectsInvalidScenario(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scenario")
}

func TestRunSuite(t *testing.T) {
	result, err := RunSuite(context.Background(), scenarioDir)
	require.NoError(t, err)
	assert.Equal(t, 4, result.TotalScenarios)
	assert.Equal(t, 4, result.Passed, "failures: %v", result.Failures)
	assert.Equal(t, 0, result.Failed)
	assert.Len(t, result.Results, 4)
}

func TestRunSuiteReportsLoadFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\n"), 0o644))

	result, err := RunSuite(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalScenarios)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Error, "failed to load scenario")
}

func TestFindScenarios(t *testing.T) {
	paths, err := FindScenarios(scenarioDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(scenarioDir, "forked_chain.yaml"),
		filepath.Join(scenarioDir, "no_spam.yaml"),
		filepath.Join(scenarioDir, "rogue_agent.yaml"),
		filepath.Join(scenarioDir, "shared_note.yaml"),
	}, paths)

	single := filepath.Join(scenarioDir, "rogue_agent.yaml")
	paths, err = FindScenarios(single)
	require.NoError(t, err)
	assert.Equal(t, []string{single}, paths)

	_, err = FindScenarios(filepath.Join(scenarioDir, "missing"))
	var notFound *ScenarioNotFoundError
	require.ErrorAs(t, err, &notFound)
}
