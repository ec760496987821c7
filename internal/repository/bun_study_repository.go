package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// BunStudyRepository persists studies using Bun ORM.
type BunStudyRepository struct {
	db bun.IDB
}

// Create inserts a new study row.
func (r *BunStudyRepository) Create(ctx context.Context, study *models.Study) error {
	if err := study.ValidateForCreate(); err != nil {
		return apperr.Validation("%v", err)
	}
	if _, err := r.db.NewInsert().Model(study).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("study", study.ID, "already exists")
		}
		return fmt.Errorf("insert study: %w", err)
	}
	return nil
}

// GetByID fetches a study by id.
func (r *BunStudyRepository) GetByID(ctx context.Context, id string) (*models.Study, error) {
	study := new(models.Study)
	if err := r.db.NewSelect().Model(study).Where("id = ?", id).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("study", id)
		}
		return nil, fmt.Errorf("query study: %w", err)
	}
	return study, nil
}

// UpdateStatus sets a new lifecycle status.
func (r *BunStudyRepository) UpdateStatus(ctx context.Context, id string, status models.StudyStatus, at time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*models.Study)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update study status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("study", id)
	}
	return nil
}

// UpdateContentSchema replaces (or clears) the record content schema.
func (r *BunStudyRepository) UpdateContentSchema(ctx context.Context, id string, schema *string, at time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*models.Study)(nil)).
		Set("content_schema = ?", schema).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update study schema: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("study", id)
	}
	return nil
}

// ListForUser returns studies where the user holds an active membership, newest first.
func (r *BunStudyRepository) ListForUser(ctx context.Context, userID string) ([]models.Study, error) {
	studies := []models.Study{}
	err := r.db.NewSelect().
		Model(&studies).
		Where("EXISTS (SELECT 1 FROM study_members AS sm WHERE sm.study_id = st.id AND sm.user_id = ? AND sm.revoked_at IS NULL)", userID).
		Order("st.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	return studies, nil
}
