package manifest

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/dhtcore/internal/ir"
)

// CompileError reports a manifest problem with its CUE position when known.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadFile compiles a single CUE file.
func LoadFile(path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(path))
	return Compile(v)
}

// LoadDir compiles the CUE package in dir.
func LoadDir(dir string) (*Manifest, error) {
	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	return Compile(ctx.BuildInstance(inst))
}

// Parse compiles manifest source held in memory.
func Parse(src string) (*Manifest, error) {
	ctx := cuecontext.New()
	return Compile(ctx.CompileString(src, cue.Filename("manifest.cue")))
}

// Compile converts a CUE value containing a top-level `manifest` field.
func Compile(root cue.Value) (*Manifest, error) {
	if err := root.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v := root.LookupPath(cue.ParsePath("manifest"))
	if !v.Exists() {
		return nil, &CompileError{Field: "manifest", Message: "manifest is required", Pos: root.Pos()}
	}

	m := &Manifest{}
	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return nil, &CompileError{Field: "name", Message: "name is required", Pos: v.Pos()}
	}
	name, err := nameVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	m.Name = name

	if m.EntryDefs, err = parseEntryDefs(v); err != nil {
		return nil, err
	}
	if m.LinkTypes, err = parseLinkTypes(v); err != nil {
		return nil, err
	}
	m.sort()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseEntryDefs(v cue.Value) ([]EntryDef, error) {
	defs := []EntryDef{}
	defsVal := v.LookupPath(cue.ParsePath("entry_defs"))
	if !defsVal.Exists() {
		return defs, nil // entry_defs is optional
	}

	iter, err := defsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		d := EntryDef{Name: iter.Label()}
		fv := iter.Value()

		if d.ZomeIndex, err = lookupIndex(fv, "zome"); err != nil {
			return nil, err
		}
		if d.EntryIndex, err = lookupIndex(fv, "index"); err != nil {
			return nil, err
		}

		vis, err := lookupString(fv, "visibility")
		if err != nil {
			return nil, err
		}
		if vis == "" {
			vis = string(ir.Public)
		}
		d.Visibility = ir.Visibility(vis)

		if d.Rule, err = lookupString(fv, "rule"); err != nil {
			return nil, err
		}

		schemaVal := fv.LookupPath(cue.ParsePath("schema"))
		if schemaVal.Exists() {
			raw, err := schemaVal.MarshalJSON()
			if err != nil {
				return nil, formatCUEError(err)
			}
			d.Schema = raw
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func parseLinkTypes(v cue.Value) ([]LinkType, error) {
	links := []LinkType{}
	ltVal := v.LookupPath(cue.ParsePath("link_types"))
	if !ltVal.Exists() {
		return links, nil
	}

	iter, err := ltVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		l := LinkType{Name: iter.Label()}
		fv := iter.Value()
		if l.ZomeIndex, err = lookupIndex(fv, "zome"); err != nil {
			return nil, err
		}
		if l.LinkIndex, err = lookupIndex(fv, "index"); err != nil {
			return nil, err
		}
		if l.Rule, err = lookupString(fv, "rule"); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, nil
}

// lookupIndex reads a required small integer field.
func lookupIndex(v cue.Value, field string) (uint8, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	if n < 0 || n > 255 {
		return 0, &CompileError{Field: field, Message: fmt.Sprintf("must be in 0..255, got %d", n), Pos: fv.Pos()}
	}
	return uint8(n), nil
}

// lookupString reads an optional string field, returning "" when absent.
func lookupString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
