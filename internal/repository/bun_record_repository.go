package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// BunRecordRepository persists record versions using Bun ORM.
type BunRecordRepository struct {
	db bun.IDB
}

// Insert writes a new version row. Unique violations on (study, number, version)
// or on previous_version_id mean another writer already extended this chain.
func (r *BunRecordRepository) Insert(ctx context.Context, record *models.Record) error {
	if err := record.ValidateForCreate(); err != nil {
		return apperr.Validation("%v", err)
	}
	if _, err := r.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			if record.Version == 1 {
				return apperr.Conflict("record", record.RecordNumber, "record number already exists in study")
			}
			return apperr.Conflict("record", record.RecordNumber, "chain head moved; re-read the latest version")
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetByID fetches one version row.
func (r *BunRecordRepository) GetByID(ctx context.Context, id string) (*models.Record, error) {
	record := new(models.Record)
	if err := r.db.NewSelect().Model(record).Where("id = ?", id).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("record", id)
		}
		return nil, fmt.Errorf("query record: %w", err)
	}
	return record, nil
}

// GetVersion fetches a specific version of a chain.
func (r *BunRecordRepository) GetVersion(ctx context.Context, studyID, recordNumber string, version int) (*models.Record, error) {
	record := new(models.Record)
	err := r.db.NewSelect().
		Model(record).
		Where("study_id = ?", studyID).
		Where("record_number = ?", recordNumber).
		Where("version = ?", version).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("record", fmt.Sprintf("%s v%d", recordNumber, version))
		}
		return nil, fmt.Errorf("query record version: %w", err)
	}
	return record, nil
}

// GetHead returns the highest version of a chain.
func (r *BunRecordRepository) GetHead(ctx context.Context, studyID, recordNumber string) (*models.Record, error) {
	record := new(models.Record)
	err := r.db.NewSelect().
		Model(record).
		Where("study_id = ?", studyID).
		Where("record_number = ?", recordNumber).
		Order("version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("record", recordNumber)
		}
		return nil, fmt.Errorf("query record head: %w", err)
	}
	return record, nil
}

// HasSuccessor reports whether another version points at id.
func (r *BunRecordRepository) HasSuccessor(ctx context.Context, id string) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*models.Record)(nil)).
		Where("previous_version_id = ?", id).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("query record successor: %w", err)
	}
	return exists, nil
}

// ListHeads returns the latest version of every chain in a study.
func (r *BunRecordRepository) ListHeads(ctx context.Context, studyID string) ([]models.Record, error) {
	records := []models.Record{}
	err := r.db.NewSelect().
		Model(&records).
		Where("r.study_id = ?", studyID).
		Where("NOT EXISTS (SELECT 1 FROM records AS c WHERE c.previous_version_id = r.id)").
		Order("r.record_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list record heads: %w", err)
	}
	return records, nil
}

// TransitionStatus implements RecordRepository.
func (r *BunRecordRepository) TransitionStatus(ctx context.Context, id string, from []models.RecordStatus, to models.RecordStatus, reason *string, at time.Time) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Record)(nil)).
		Set("status = ?", to).
		Set("status_reason = ?", reason).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update record status: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}
