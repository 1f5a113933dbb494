package extraction

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrSchema can be used with errors.Is to detect output that does not match its document schema.
var ErrSchema = errors.New("output does not match schema")

// Validator holds one compiled output schema per document kind.
type Validator struct {
	schemas map[Document]*jsonschema.Schema
}

// NewValidator compiles every embedded schemas/<document>.v1.json file.
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	schemas := make(map[Document]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".json"), ".v1")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://vitalink.app/schemas/" + name + ".output"
		compiled, err := jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[Document(name)] = compiled
	}
	for _, d := range Documents() {
		if _, ok := schemas[d]; !ok {
			return nil, fmt.Errorf("missing schema for %q", d)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// ValidateOutput checks normalized fields against the document's schema.
func (v *Validator) ValidateOutput(doc Document, fields map[string]string) error {
	schema, ok := v.schemas[doc]
	if !ok {
		return fmt.Errorf("unknown document %q", doc)
	}
	// Round-trip through JSON so the validator sees plain map[string]interface{} values.
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var inst interface{}
	if err := json.Unmarshal(raw, &inst); err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}
