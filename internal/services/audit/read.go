package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-bexpr"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/repository"
)

// Read limits.
const (
	DefaultTrailLimit   = 100
	DefaultReadAllLimit = 200
	DefaultExportLimit  = 5000
	MaxExportLimit      = 10000
)

// ReadTrail returns a target's events, newest first.
func (l *Ledger) ReadTrail(ctx context.Context, targetType, targetID string, limit int) ([]models.AuditEvent, error) {
	events, err := l.store.Audit().ListByTarget(ctx, targetType, targetID, clamp(limit, DefaultTrailLimit, MaxExportLimit), false)
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	return events, nil
}

// ReadAll returns events across targets, newest first, optionally scoped to a study.
func (l *Ledger) ReadAll(ctx context.Context, studyID *string, limit int) ([]models.AuditEvent, error) {
	events, err := l.store.Audit().List(ctx, repository.AuditQuery{
		StudyID: studyID,
		Limit:   clamp(limit, DefaultReadAllLimit, MaxExportLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("read audit events: %w", err)
	}
	return events, nil
}

// ExportQuery scopes a compliance export.
type ExportQuery struct {
	StudyID *string
	From    *time.Time
	To      *time.Time
	Limit   int
	// Filter is an optional boolean expression over event fields, for example
	// `action_type == "record_approved" and actor_id != ""` or
	// `metadata.is_system_action == true`.
	Filter string
}

// Export returns events ordered oldest first by (timestamp, id), so repeated
// exports of the same window are byte-identical.
func (l *Ledger) Export(ctx context.Context, q ExportQuery) ([]models.AuditEvent, error) {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, apperr.Validation("export window ends before it starts")
	}
	limit := clamp(q.Limit, DefaultExportLimit, MaxExportLimit)

	var eval *bexpr.Evaluator
	if q.Filter != "" {
		var err error
		if eval, err = bexpr.CreateEvaluator(q.Filter); err != nil {
			return nil, apperr.Validation("invalid filter expression: %v", err)
		}
	}

	if eval == nil {
		rows, err := l.store.Audit().List(ctx, repository.AuditQuery{
			StudyID:   q.StudyID,
			From:      q.From,
			To:        q.To,
			Limit:     limit,
			Ascending: true,
		})
		if err != nil {
			return nil, fmt.Errorf("export audit events: %w", err)
		}
		return rows, nil
	}

	// Filtered exports page through the whole window until limit matches are
	// collected or the window is exhausted.
	out := make([]models.AuditEvent, 0)
	var after *repository.AuditCursor
	for {
		page, err := l.store.Audit().List(ctx, repository.AuditQuery{
			StudyID:   q.StudyID,
			From:      q.From,
			To:        q.To,
			Limit:     l.pageSize,
			Ascending: true,
			After:     after,
		})
		if err != nil {
			return nil, fmt.Errorf("export audit events: %w", err)
		}
		for i := range page {
			if matches(eval, &page[i]) {
				out = append(out, page[i])
				if len(out) == limit {
					return out, nil
				}
			}
		}
		if len(page) < l.pageSize {
			return out, nil
		}
		last := page[len(page)-1]
		after = &repository.AuditCursor{Timestamp: last.Timestamp, ID: last.ID}
	}
}

// filterDatum exposes every top-level column so selectors on nullable fields
// compare against "" instead of failing.
func filterDatum(e *models.AuditEvent) map[string]any {
	metadata := map[string]any(e.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"id":                  e.ID,
		"event_id":            e.EventID,
		"study_id":            deref(e.StudyID),
		"actor_id":            deref(e.ActorID),
		"actor_role_at_time":  deref(e.ActorRoleAtTime),
		"action_type":         string(e.ActionType),
		"target_entity_type":  e.TargetEntityType,
		"target_entity_id":    e.TargetEntityID,
		"previous_state_hash": deref(e.PreviousStateHash),
		"new_state_hash":      e.NewStateHash,
		"is_system":           e.IsSystem(),
		"metadata":            metadata,
	}
}

// matches treats selector errors (such as a metadata key absent on this event)
// as a non-match.
func matches(eval *bexpr.Evaluator, e *models.AuditEvent) bool {
	ok, err := eval.Evaluate(filterDatum(e))
	return err == nil && ok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clamp(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
