package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/keystore"
)

const harnessScenarios = "../harness/testdata/scenarios"

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

// writeConfig writes a config with a fixed agent seed and a store in a
// temp directory.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	signer, err := keystore.Derive([]byte("cli-tests"), "alice")
	require.NoError(t, err)
	path := filepath.Join(dir, "dhtcore.yaml")
	content := fmt.Sprintf(`agent:
  seed: %s
store:
  path: %s
cache:
  path: %s
`, signer.Seed(), filepath.Join(dir, "node.db"), filepath.Join(dir, "cache.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestAuthorAndInspect(t *testing.T) {
	ctx := context.Background()
	cfg := writeConfig(t)

	out, err := execute(t, ctx, "--config", cfg, "--format", "json", "author", "init")
	require.NoError(t, err)
	var genesis []AuthorResult
	decodeData(t, out, &genesis)
	require.Len(t, genesis, 3)
	assert.Equal(t, uint32(2), genesis[2].Seq)

	out, err = execute(t, ctx, "--config", cfg, "--format", "json", "author", "create", "--payload", `{"title":"hello"}`)
	require.NoError(t, err)
	var created []AuthorResult
	decodeData(t, out, &created)
	require.Len(t, created, 1)
	note := created[0]
	assert.Equal(t, uint32(3), note.Seq)
	assert.NotEmpty(t, note.EntryHash)

	out, err = execute(t, ctx, "--config", cfg, "author", "link",
		"--base", string(note.EntryHash), "--target", string(note.ActionHash), "--type", "2", "--tag", "likes")
	require.NoError(t, err)
	assert.Contains(t, out, "create_link seq=4")

	out, err = execute(t, ctx, "--config", cfg, "--format", "json", "inspect", "status")
	require.NoError(t, err)
	var status map[string]int
	decodeData(t, out, &status)
	assert.Equal(t, 5, status["actions_valid"])
	assert.Equal(t, 1, status["links"])
	assert.Equal(t, 0, status["limbo_pending_sys"])

	out, err = execute(t, ctx, "--config", cfg, "inspect", "record", string(note.ActionHash))
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
	assert.Contains(t, out, string(note.EntryHash))

	out, err = execute(t, ctx, "--config", cfg, "inspect", "limbo")
	require.NoError(t, err)
	assert.Contains(t, out, "Limbo is empty.")
}

func TestAuthorRequiresSeed(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, context.Background(), "--db", filepath.Join(dir, "node.db"), "author", "init")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "agent.seed is required")
}

func TestAuthorRejectionExitCode(t *testing.T) {
	ctx := context.Background()
	cfg := writeConfig(t)
	_, err := execute(t, ctx, "--config", cfg, "author", "init")
	require.NoError(t, err)

	out, err := execute(t, ctx, "--config", cfg, "--format", "json", "author", "link",
		"--base", "deadbeef", "--target", "deadbeef", "--tag", string(bytes.Repeat([]byte("t"), 1001)))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E_REJECTED", resp.Error.Code)
}

func TestInspectRecordNotFound(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, context.Background(), "--config", cfg, "inspect", "record", "deadbeef")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E_NOT_FOUND]")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, context.Background(), "--config", "/nonexistent/dhtcore.yaml", "inspect", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestKeygen(t *testing.T) {
	ctx := context.Background()
	out, err := execute(t, ctx, "--format", "json", "keygen")
	require.NoError(t, err)
	var key KeygenResult
	decodeData(t, out, &key)
	assert.Len(t, string(key.Agent), 64)
	assert.Len(t, key.Seed, 64)

	restored, err := keystore.FromSeedHex(key.Seed)
	require.NoError(t, err)
	assert.Equal(t, key.Agent, restored.Agent())

	first, err := execute(t, ctx, "keygen", "--derive-from", "lab", "--label", "alice")
	require.NoError(t, err)
	second, err := execute(t, ctx, "keygen", "--derive-from", "lab", "--label", "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "agent: ")
}

func TestScenarioCommand(t *testing.T) {
	out, err := execute(t, context.Background(), "scenario", harnessScenarios, "--golden", "../harness/testdata/golden")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ rogue_agent.yaml")
	assert.Contains(t, out, "Scenario Summary: 4 passed, 0 failed, 4 total")
}

func TestScenarioCommandGoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "rogue_agent.golden"), []byte("stale\n"), 0o644))

	out, err := execute(t, context.Background(), "scenario",
		filepath.Join(harnessScenarios, "rogue_agent.yaml"), "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "summary does not match")
}

func TestScenarioCommandUpdate(t *testing.T) {
	golden := filepath.Join(t.TempDir(), "golden")
	out, err := execute(t, context.Background(), "--format", "json", "scenario",
		filepath.Join(harnessScenarios, "rogue_agent.yaml"), "--golden", golden, "--update")
	require.NoError(t, err, out)

	var report ScenarioReport
	decodeData(t, out, &report)
	assert.Equal(t, 1, report.Passed)

	written, err := os.ReadFile(filepath.Join(golden, "rogue_agent.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/rogue_agent.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))
}

func TestScenarioCommandErrors(t *testing.T) {
	ctx := context.Background()
	_, err := execute(t, ctx, "scenario", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, ctx, "scenario", harnessScenarios, "--update")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--update requires --golden")

	out, err := execute(t, ctx, "scenario", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := execute(t, ctx, "--config", cfg, "run", "--addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Contains(t, out, "Read API on http://127.0.0.1:0")
}
