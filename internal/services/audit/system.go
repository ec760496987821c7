package audit

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// SystemActionMetadata is the provenance carried by automated and AI events.
type SystemActionMetadata struct {
	AutomationType string         `mapstructure:"automation_type"`
	ModelVersion   string         `mapstructure:"model_version"`
	InputHash      string         `mapstructure:"input_hash"`
	OutputHash     string         `mapstructure:"output_hash"`
	RequestedBy    string         `mapstructure:"requested_by"`
	Extra          map[string]any `mapstructure:",remain"`
}

// DecodeSystemMetadata reads system provenance out of a loose metadata map.
func DecodeSystemMetadata(raw map[string]any) (SystemActionMetadata, error) {
	var out SystemActionMetadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, fmt.Errorf("build metadata decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return out, apperr.Validation("system action metadata: %v", err)
	}
	delete(out.Extra, "is_system_action")
	return out, nil
}

// Map renders the metadata for storage, tagged as a system action.
func (m SystemActionMetadata) Map() map[string]any {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["is_system_action"] = true
	out["automation_type"] = m.AutomationType
	setIfNotEmpty(out, "model_version", m.ModelVersion)
	setIfNotEmpty(out, "input_hash", m.InputHash)
	setIfNotEmpty(out, "output_hash", m.OutputHash)
	setIfNotEmpty(out, "requested_by", m.RequestedBy)
	return out
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// AppendSystem records an event for the reserved system actor. The chain rules
// are the same as for human events.
func (l *Ledger) AppendSystem(ctx context.Context, in AppendInput, meta SystemActionMetadata) (*models.AuditEvent, error) {
	if meta.AutomationType == "" {
		meta.AutomationType = "system"
	}
	actor := models.SystemActorID
	in.ActorID = &actor
	in.Metadata = meta.Map()
	return l.Append(ctx, in)
}

// SystemMetadataOf extracts system provenance from a stored event.
func SystemMetadataOf(e *models.AuditEvent) (*SystemActionMetadata, bool) {
	if !e.IsSystem() {
		return nil, false
	}
	meta, err := DecodeSystemMetadata(e.Metadata)
	if err != nil {
		return nil, false
	}
	return &meta, true
}
