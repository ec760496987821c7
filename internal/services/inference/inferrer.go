// Package inference derives a starting content schema from sample records.
package inference

import (
	"context"
	"encoding/json"
	"fmt"

	jsonschema "github.com/JLugagne/jsonschema-infer"

	"github.com/Levelup666/AuditWiz/internal/apperr"
)

// SchemaInferrer builds a JSON Schema describing sample content documents.
type SchemaInferrer interface {
	InferSchema(ctx context.Context, samples []json.RawMessage) (string, error)
}

type inferrer struct{}

// NewInferrer returns a SchemaInferrer backed by jsonschema-infer.
func NewInferrer() SchemaInferrer {
	return &inferrer{}
}

func (i *inferrer) InferSchema(ctx context.Context, samples []json.RawMessage) (string, error) {
	if len(samples) == 0 {
		return "", apperr.Validation("at least one sample is required")
	}

	generator := jsonschema.New()
	for n, sample := range samples {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := generator.AddSample(string(sample)); err != nil {
			return "", apperr.Validation("sample %d: %v", n, err)
		}
	}

	schema, err := generator.Generate()
	if err != nil {
		return "", fmt.Errorf("generate schema: %w", err)
	}
	return string(schema), nil
}
