package repository

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// BunAuditRepository is the append-only ledger store.
type BunAuditRepository struct {
	db bun.IDB
}

// Insert appends one event at its chain position.
func (r *BunAuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	if _, err := r.db.NewInsert().Model(event).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return &apperr.Error{
				Kind:   apperr.KindConflictRetryable,
				Entity: event.TargetEntityType,
				ID:     event.TargetEntityID,
				Msg:    "concurrent append to audit trail",
				Err:    err,
			}
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Latest returns the most recent event of a target chain, or nil when the chain is empty.
func (r *BunAuditRepository) Latest(ctx context.Context, targetType, targetID string) (*models.AuditEvent, error) {
	event := new(models.AuditEvent)
	err := r.db.NewSelect().
		Model(event).
		Where("target_entity_type = ?", targetType).
		Where("target_entity_id = ?", targetID).
		Order("sequence DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest audit event: %w", err)
	}
	return event, nil
}

// ListByTarget returns a target chain ordered by sequence. limit <= 0 reads the whole chain.
func (r *BunAuditRepository) ListByTarget(ctx context.Context, targetType, targetID string, limit int, ascending bool) ([]models.AuditEvent, error) {
	events := []models.AuditEvent{}
	q := r.db.NewSelect().
		Model(&events).
		Where("target_entity_type = ?", targetType).
		Where("target_entity_id = ?", targetID)
	if ascending {
		q = q.Order("sequence ASC")
	} else {
		q = q.Order("sequence DESC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	return events, nil
}

// List performs an ordered range read over the whole ledger.
func (r *BunAuditRepository) List(ctx context.Context, aq AuditQuery) ([]models.AuditEvent, error) {
	events := []models.AuditEvent{}
	q := r.db.NewSelect().Model(&events)
	if aq.StudyID != nil {
		q = q.Where("study_id = ?", *aq.StudyID)
	}
	if aq.From != nil {
		q = q.Where(`"timestamp" >= ?`, aq.From.UTC())
	}
	if aq.To != nil {
		q = q.Where(`"timestamp" <= ?`, aq.To.UTC())
	}
	if aq.After != nil {
		ts := aq.After.Timestamp.UTC()
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where(`"timestamp" > ?`, ts).
				WhereOr(`("timestamp" = ? AND id > ?)`, ts, aq.After.ID)
		})
	}
	if aq.Ascending {
		q = q.Order("timestamp ASC", "id ASC")
	} else {
		q = q.Order("timestamp DESC", "id DESC")
	}
	if aq.Limit > 0 {
		q = q.Limit(aq.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

var _ AuditRepository = (*BunAuditRepository)(nil)
