package audit

import (
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/hashing"
)

// eventTimestampLayout keeps the microsecond precision both stores preserve.
const eventTimestampLayout = "2006-01-02T15:04:05.000000Z"

// EventHash covers every semantic field of an event, so editing any stored
// column (not only the state hashes) is detectable.
func EventHash(e *models.AuditEvent) (string, error) {
	metadata := map[string]any(e.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return hashing.Hash(map[string]any{
		"event_id":            e.EventID,
		"study_id":            e.StudyID,
		"actor_id":            e.ActorID,
		"actor_role_at_time":  e.ActorRoleAtTime,
		"action_type":         e.ActionType,
		"target_entity_type":  e.TargetEntityType,
		"target_entity_id":    e.TargetEntityID,
		"sequence":            e.Sequence,
		"previous_state_hash": e.PreviousStateHash,
		"new_state_hash":      e.NewStateHash,
		"timestamp":           e.Timestamp.UTC().Format(eventTimestampLayout),
		"metadata":            metadata,
	})
}
