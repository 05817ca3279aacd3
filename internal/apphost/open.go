package apphost

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/dhtcore/internal/manifest"
)

// Host kinds accepted by Open.
const (
	KindAccept   = "accept"
	KindCEL      = "cel"
	KindSchema   = "schema"
	KindManifest = "manifest"
	KindJS       = "js"
	KindWASM     = "wasm"
)

// Kinds lists every kind Open accepts.
var Kinds = []string{KindAccept, KindCEL, KindSchema, KindManifest, KindJS, KindWASM}

// Options carries the settings Open needs for file-backed hosts.
type Options struct {
	// Path is the script (js) or module (wasm) file.
	Path string
	WASM WASMConfig
	// ScriptTimeout bounds one JavaScript validate() call. Zero means
	// DefaultScriptTimeout.
	ScriptTimeout time.Duration
}

// Open builds the host named by kind. The manifest kind stacks the schema
// and CEL hosts. m may be nil for kinds that do not use it.
func Open(ctx context.Context, kind string, m *manifest.Manifest, opts Options) (Host, error) {
	switch kind {
	case "", KindAccept:
		return AcceptHost{}, nil
	case KindCEL:
		return NewCELHost(m)
	case KindSchema:
		return NewSchemaHost(m)
	case KindManifest:
		schema, err := NewSchemaHost(m)
		if err != nil {
			return nil, err
		}
		rules, err := NewCELHost(m)
		if err != nil {
			return nil, err
		}
		return Composite{schema, rules}, nil
	case KindJS:
		if opts.Path == "" {
			return nil, fmt.Errorf("apphost: js host requires a script path")
		}
		return LoadJSHost(opts.Path, opts.ScriptTimeout)
	case KindWASM:
		if opts.Path == "" {
			return nil, fmt.Errorf("apphost: wasm host requires a module path")
		}
		return LoadWASMHost(ctx, opts.Path, opts.WASM)
	default:
		return nil, fmt.Errorf("apphost: unknown host kind %q", kind)
	}
}
