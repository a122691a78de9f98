package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Sources names the inputs of one attribute load.
type Sources struct {
	// Files are .cue, .yaml, .yml or .json documents merged in order; later
	// files win.
	Files []string

	// Script is an optional Starlark file producing overrides.
	Script string
}

// Paths lists every file the load reads.
func (s Sources) Paths() []string {
	paths := append([]string(nil), s.Files...)
	if s.Script != "" {
		paths = append(paths, s.Script)
	}
	return paths
}

// Loader merges attribute files over the schema defaults.
type Loader struct {
	schema   *Schema
	starlark *StarlarkEvaluator
	logger   zerolog.Logger
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	return &Loader{
		schema:   schema,
		starlark: NewStarlarkEvaluator(10*time.Second, logger),
		logger:   logger.With().Str("component", "config").Logger(),
	}, nil
}

// Load reads, merges, type-checks and validates attributes. Every failure
// is a validation error.
func (l *Loader) Load(ctx context.Context, src Sources) (Attributes, error) {
	doc := map[string]interface{}{}
	for _, path := range src.Files {
		fileDoc, err := readDocument(path)
		if err != nil {
			return Attributes{}, invalidAttributes(path, err)
		}
		deepMerge(doc, fileDoc)
	}

	merged, err := l.schema.Apply(doc)
	if err != nil {
		return Attributes{}, invalidAttributes(strings.Join(src.Files, ", "), err)
	}

	if src.Script != "" {
		script, err := os.ReadFile(src.Script)
		if err != nil {
			return Attributes{}, invalidAttributes(src.Script, err)
		}
		overrides, err := l.starlark.Overrides(ctx, src.Script, string(script), merged)
		if err != nil {
			return Attributes{}, invalidAttributes(src.Script, err)
		}
		if overrides != nil {
			deepMerge(merged, overrides)
			if merged, err = l.schema.Apply(merged); err != nil {
				return Attributes{}, invalidAttributes(src.Script, err)
			}
		}
	}

	attrs, err := decode(merged)
	if err != nil {
		return Attributes{}, invalidAttributes("attributes", err)
	}
	if err := attrs.Validate(); err != nil {
		return Attributes{}, err
	}

	l.logger.Debug().
		Strs("files", src.Files).
		Str("script", src.Script).
		Str("provider", attrs.Cinder.Storage.Provider).
		Msg("Attributes loaded")
	return attrs, nil
}

// Defaults returns the attributes with nothing but schema defaults applied.
func (l *Loader) Defaults() (Attributes, error) {
	merged, err := l.schema.Defaults()
	if err != nil {
		return Attributes{}, err
	}
	return decode(merged)
}

func invalidAttributes(source string, err error) error {
	return engine.NewValidationError(fmt.Sprintf("failed to load attributes from %s", source), err).
		WithCode(engine.ErrCodeInvalidConfig)
}

func decode(doc map[string]interface{}) (Attributes, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Attributes{}, err
	}
	var attrs Attributes
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&attrs); err != nil {
		return Attributes{}, err
	}
	return attrs, nil
}

// readDocument parses one attribute file by extension.
func readDocument(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc := map[string]interface{}{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		val := cuecontext.New().CompileBytes(data, cue.Filename(path))
		if err := val.Err(); err != nil {
			return nil, err
		}
		if err := val.Decode(&doc); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		normalizeNumbers(doc)
	default:
		return nil, fmt.Errorf("unsupported attribute file type %q", ext)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return doc, nil
}

// deepMerge merges src into dst. Nested maps merge key by key; any other
// value in src replaces the one in dst.
func deepMerge(dst, src map[string]interface{}) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dm, sm)
				continue
			}
			copied := map[string]interface{}{}
			deepMerge(copied, sm)
			dst[k] = copied
			continue
		}
		dst[k] = sv
	}
}

// normalizeNumbers replaces json.Number values with int64 or float64 so
// that JSON integers stay integers.
func normalizeNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]interface{}:
		for k, item := range x {
			x[k] = normalizeNumbers(item)
		}
	case []interface{}:
		for i, item := range x {
			x[i] = normalizeNumbers(item)
		}
	}
	return v
}
