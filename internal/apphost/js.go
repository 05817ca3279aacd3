package apphost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/dhtcore/internal/ir"
)

// DefaultScriptTimeout bounds one validate() call.
const DefaultScriptTimeout = 2 * time.Second

// ErrScriptInterrupted is returned when a validate() call is interrupted
// by its deadline or by context cancellation.
var ErrScriptInterrupted = errors.New("script interrupted")

// JSHost calls a JavaScript function `validate(op)` for every op. op is
// the Document of the op view. The function returns one of:
//
//	true                     valid
//	false                    invalid
//	"reason"                 invalid with reason
//	{valid, reason, unresolved: ["hash", ...]}
//
// A thrown exception rejects the op with the exception message.
//
// goja runtimes are not safe for concurrent use, so each call gets a fresh
// runtime running the precompiled program.
type JSHost struct {
	program *goja.Program
	timeout time.Duration
}

// NewJSHost compiles src. name is used in stack traces.
func NewJSHost(name, src string, timeout time.Duration) (*JSHost, error) {
	p, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, fmt.Errorf("js host: compile %s: %w", name, err)
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	h := &JSHost{program: p, timeout: timeout}

	// Fail fast when the script does not define validate.
	vm := goja.New()
	if _, err := vm.RunProgram(p); err != nil {
		return nil, fmt.Errorf("js host: run %s: %w", name, err)
	}
	if _, ok := goja.AssertFunction(vm.Get("validate")); !ok {
		return nil, fmt.Errorf("js host: %s does not define a validate function", name)
	}
	return h, nil
}

// LoadJSHost reads and compiles a script file.
func LoadJSHost(path string, timeout time.Duration) (*JSHost, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("js host: %w", err)
	}
	return NewJSHost(path, string(src), timeout)
}

// Validate runs validate(op).
func (h *JSHost) Validate(ctx context.Context, op ir.OpView) (Outcome, error) {
	doc, err := Document(op)
	if err != nil {
		return Outcome{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	vm := goja.New()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if _, err := vm.RunProgram(h.program); err != nil {
		return Outcome{}, scriptError(err)
	}
	fn, ok := goja.AssertFunction(vm.Get("validate"))
	if !ok {
		return Outcome{}, fmt.Errorf("js host: validate is not a function")
	}
	res, err := fn(goja.Undefined(), vm.ToValue(doc))
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return Invalid("validate threw: %s", exc.Value().String()), nil
		}
		return Outcome{}, scriptError(err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return Outcome{}, fmt.Errorf("js host: validate returned no result")
	}
	return interpretResult(res.Export())
}

func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("js host: %w: %v", ErrScriptInterrupted, interrupted.Value())
	}
	return fmt.Errorf("js host: %w", err)
}

// interpretResult maps an exported validate() result to an Outcome.
func interpretResult(v any) (Outcome, error) {
	switch r := v.(type) {
	case bool:
		if r {
			return Valid(), nil
		}
		return Invalid("rejected by validate"), nil
	case string:
		return Invalid("%s", r), nil
	case map[string]any:
		return outcomeFromMap(r)
	default:
		return Outcome{}, fmt.Errorf("js host: unsupported validate result %T", v)
	}
}

// outcomeFromMap reads {valid, reason, unresolved}. Unresolved hashes win
// over the valid flag.
func outcomeFromMap(m map[string]any) (Outcome, error) {
	if raw, ok := m["unresolved"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return Outcome{}, fmt.Errorf("js host: unresolved must be an array, got %T", raw)
		}
		if len(list) > 0 {
			hashes := make([]ir.AnyHash, 0, len(list))
			for _, x := range list {
				s, ok := x.(string)
				if !ok {
					return Outcome{}, fmt.Errorf("js host: unresolved entries must be strings, got %T", x)
				}
				hashes = append(hashes, ir.AnyHash(s))
			}
			return UnresolvedDependencies(hashes...), nil
		}
	}
	valid, ok := m["valid"].(bool)
	if !ok {
		return Outcome{}, fmt.Errorf("js host: result object needs a boolean valid field")
	}
	if valid {
		return Valid(), nil
	}
	reason, _ := m["reason"].(string)
	if reason == "" {
		reason = "rejected by validate"
	}
	return Invalid("%s", reason), nil
}
