package agents

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON Schema for one agent's input payload.
type Schema struct {
	schema *gojsonschema.Schema
}

// CompileSchema parses raw once so each dispatch only validates.
func CompileSchema(raw []byte) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Validate checks a Go payload after JSON encoding.
func (s *Schema) Validate(payload any) error {
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
