package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// CSVColumns is the fixed export column order.
var CSVColumns = []string{
	"id", "event_id", "study_id", "actor_id", "actor_role_at_time", "action_type",
	"target_entity_type", "target_entity_id", "previous_state_hash", "new_state_hash",
	"timestamp", "metadata",
}

// WriteJSON writes events as a JSON array of event objects.
func WriteJSON(w io.Writer, events []models.AuditEvent) error {
	if events == nil {
		events = []models.AuditEvent{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		return fmt.Errorf("encode audit export: %w", err)
	}
	return nil
}

// WriteCSV writes the header row, then one row per event. Every value is
// wrapped in double quotes with embedded quotes doubled; rows end with "\n".
func WriteCSV(w io.Writer, events []models.AuditEvent) error {
	var b strings.Builder
	b.WriteString(strings.Join(CSVColumns, ","))
	for i := range events {
		row, err := csvRow(&events[i])
		if err != nil {
			return err
		}
		b.WriteByte('\n')
		b.WriteString(row)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write audit export: %w", err)
	}
	return nil
}

func csvRow(e *models.AuditEvent) (string, error) {
	metadata := "{}"
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(map[string]any(e.Metadata))
		if err != nil {
			return "", fmt.Errorf("encode metadata of %s: %w", e.EventID, err)
		}
		metadata = string(raw)
	}

	values := []string{
		e.ID,
		e.EventID,
		deref(e.StudyID),
		deref(e.ActorID),
		deref(e.ActorRoleAtTime),
		string(e.ActionType),
		e.TargetEntityType,
		e.TargetEntityID,
		deref(e.PreviousStateHash),
		e.NewStateHash,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		metadata,
	}
	for i, v := range values {
		values[i] = `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}
	return strings.Join(values, ","), nil
}
