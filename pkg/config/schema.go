package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Schema type-checks merged attribute documents and fills in defaults.
type Schema struct {
	ctx        *cue.Context
	attributes cue.Value
}

// NewSchema compiles the embedded attribute schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile attribute schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Attributes"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("attribute schema has no #Attributes: %w", err)
	}
	return &Schema{ctx: ctx, attributes: def}, nil
}

// Apply unifies doc with the schema and returns the concrete result with
// defaults resolved. Unknown top-level keys and type conflicts are errors.
func (s *Schema) Apply(doc map[string]any) (map[string]any, error) {
	val := s.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}

	unified := s.attributes.Unify(val)
	if err := unified.Validate(); err != nil {
		return nil, fmt.Errorf("attributes do not match schema: %s", cueerrors.Details(err, nil))
	}

	var out map[string]any
	if err := unified.Decode(&out); err != nil {
		return nil, fmt.Errorf("attributes are incomplete: %s", cueerrors.Details(err, nil))
	}
	return out, nil
}

// Defaults returns the attribute document with every default applied.
func (s *Schema) Defaults() (map[string]any, error) {
	return s.Apply(map[string]any{})
}
