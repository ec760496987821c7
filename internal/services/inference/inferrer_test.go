package inference

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Levelup666/AuditWiz/internal/apperr"
)

func TestInferSchema(t *testing.T) {
	inf := NewInferrer()
	schema, err := inf.InferSchema(context.Background(), []json.RawMessage{
		json.RawMessage(`{"sample_id":"S-1","ph":7.2}`),
		json.RawMessage(`{"sample_id":"S-2","ph":6.9}`),
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(schema), &doc))
	assert.Equal(t, "object", doc["type"])
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "sample_id")
	assert.Contains(t, props, "ph")
}

func TestInferSchema_NoSamples(t *testing.T) {
	_, err := NewInferrer().InferSchema(context.Background(), nil)
	assert.ErrorIs(t, err, apperr.ErrValidationFailed)
}
