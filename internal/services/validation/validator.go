// Package validation checks record content against a study's JSON Schema.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Levelup666/AuditWiz/internal/apperr"
)

const maxMessageLen = 200

// ContentValidator validates record content.
type ContentValidator interface {
	// Validate returns a validation_failed error when content violates schemaJSON.
	Validate(schemaJSON string, content []byte) error
	// CheckSchema reports whether schemaJSON compiles.
	CheckSchema(schemaJSON string) error
}

// SchemaValidator implements ContentValidator with compiled schemas cached by source text.
type SchemaValidator struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

// NewSchemaValidator creates a validator with an LRU of compiled schemas.
func NewSchemaValidator(cacheSize int) (*SchemaValidator, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, err := lru.New[string, *jsonschema.Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &SchemaValidator{cache: cache}, nil
}

func (v *SchemaValidator) Validate(schemaJSON string, content []byte) error {
	schema, err := v.schema(schemaJSON)
	if err != nil {
		return apperr.Validation("study content schema is invalid: %v", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(content))
	if err != nil {
		return apperr.Validation("content is not valid JSON: %v", err)
	}
	if err := schema.Validate(instance); err != nil {
		return apperr.Validation("%s", formatValidationError(err))
	}
	return nil
}

func (v *SchemaValidator) CheckSchema(schemaJSON string) error {
	if _, err := v.schema(schemaJSON); err != nil {
		return apperr.Validation("content schema: %v", err)
	}
	return nil
}

// Invalidate drops a compiled schema, for example after a study's schema changes.
func (v *SchemaValidator) Invalidate(schemaJSON string) {
	v.cache.Remove(schemaJSON)
}

// CacheLen returns the number of compiled schemas held.
func (v *SchemaValidator) CacheLen() int {
	return v.cache.Len()
}

func (v *SchemaValidator) schema(schemaJSON string) (*jsonschema.Schema, error) {
	if s, ok := v.cache.Get(schemaJSON); ok {
		return s, nil
	}
	s, err := compileSchema(schemaJSON)
	if err != nil {
		return nil, err
	}
	v.cache.Add(schemaJSON, s)
	return s, nil
}

func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema JSON: %w", err)
	}

	// One compiler per schema; resources would otherwise collide on the URL.
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)

	const url = "content.schema.json"
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// formatValidationError renders "validation failed at '$.path': detail".
func formatValidationError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	// Report the deepest cause; it names the offending field.
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}

	path := "$"
	var parts []string
	for _, part := range ve.InstanceLocation {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 {
		path += "." + strings.Join(parts, ".")
	}

	msg := ve.Error()
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "... (truncated)"
	}
	return fmt.Sprintf("validation failed at '%s': %s", path, msg)
}
