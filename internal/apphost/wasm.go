package apphost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/roach88/dhtcore/internal/ir"
)

// WASM limits.
const (
	DefaultWASMMemoryLimit = 64 << 20
	DefaultWASMTimeout     = 5 * time.Second
	wasmPageSize           = 64 * 1024
)

// WASMConfig configures a WASMHost.
type WASMConfig struct {
	MemoryLimitBytes uint64
	Timeout          time.Duration
}

// wasmResult is the JSON document a module writes to stdout.
type wasmResult struct {
	Verdict    string   `json:"verdict"`
	Reason     string   `json:"reason"`
	Unresolved []string `json:"unresolved"`
}

// WASMHost runs a WASI command module once per op. The module reads the
// op view as canonical JSON from stdin and writes one result document to
// stdout:
//
//	{"verdict": "valid"}
//	{"verdict": "invalid", "reason": "..."}
//	{"verdict": "unresolved", "unresolved": ["hash", ...]}
//
// The module gets no filesystem, environment, clock or randomness.
type WASMHost struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
}

// NewWASMHost compiles wasm with the configured memory ceiling.
func NewWASMHost(ctx context.Context, wasm []byte, cfg WASMConfig) (*WASMHost, error) {
	if cfg.MemoryLimitBytes == 0 {
		cfg.MemoryLimitBytes = DefaultWASMMemoryLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWASMTimeout
	}
	pages := uint32(cfg.MemoryLimitBytes / wasmPageSize)
	if pages == 0 {
		pages = 1
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm host: compile: %w", err)
	}
	return &WASMHost{runtime: r, compiled: compiled, timeout: cfg.Timeout}, nil
}

// LoadWASMHost reads and compiles a module file.
func LoadWASMHost(ctx context.Context, path string, cfg WASMConfig) (*WASMHost, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasm host: %w", err)
	}
	return NewWASMHost(ctx, wasm, cfg)
}

// Validate instantiates the module with op on stdin and parses stdout.
func (h *WASMHost) Validate(ctx context.Context, op ir.OpView) (Outcome, error) {
	input, err := op.Canonical()
	if err != nil {
		return Outcome{}, fmt.Errorf("wasm host: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *sys.ExitError
		switch {
		case ctx.Err() != nil:
			return Outcome{}, fmt.Errorf("wasm host: execution timed out after %v", h.timeout)
		case errors.As(err, &exit) && exit.ExitCode() == 0:
		case errors.As(err, &exit):
			return Outcome{}, fmt.Errorf("wasm host: exit code %d: %s", exit.ExitCode(), stderr.String())
		default:
			return Outcome{}, fmt.Errorf("wasm host: run: %w", err)
		}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return Outcome{}, fmt.Errorf("wasm host: empty output")
	}
	var res wasmResult
	if err := json.Unmarshal(out, &res); err != nil {
		return Outcome{}, fmt.Errorf("wasm host: decode output: %w", err)
	}
	switch res.Verdict {
	case "valid":
		return Valid(), nil
	case "invalid":
		return Invalid("%s", res.Reason), nil
	case "unresolved":
		hashes := make([]ir.AnyHash, len(res.Unresolved))
		for i, s := range res.Unresolved {
			hashes[i] = ir.AnyHash(s)
		}
		return UnresolvedDependencies(hashes...), nil
	default:
		return Outcome{}, fmt.Errorf("wasm host: unknown verdict %q", res.Verdict)
	}
}

// Close shuts down the runtime.
func (h *WASMHost) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
