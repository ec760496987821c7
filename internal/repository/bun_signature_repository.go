package repository

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// BunSignatureRepository persists signatures using Bun ORM.
type BunSignatureRepository struct {
	db bun.IDB
}

// Insert writes an immutable signature row.
func (r *BunSignatureRepository) Insert(ctx context.Context, sig *models.Signature) error {
	if _, err := r.db.NewInsert().Model(sig).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("signature", sig.ID, "already exists")
		}
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

// GetByID fetches one signature.
func (r *BunSignatureRepository) GetByID(ctx context.Context, id string) (*models.Signature, error) {
	sig := new(models.Signature)
	if err := r.db.NewSelect().Model(sig).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapLookup(err, "signature", id)
	}
	return sig, nil
}

// ListByRecord returns a version's signatures, newest first.
func (r *BunSignatureRepository) ListByRecord(ctx context.Context, recordID string) ([]models.Signature, error) {
	sigs := []models.Signature{}
	err := r.db.NewSelect().
		Model(&sigs).
		Where("record_id = ?", recordID).
		Order("signed_at DESC", "id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	return sigs, nil
}

// BunAnchorRepository persists blockchain anchors using Bun ORM.
type BunAnchorRepository struct {
	db bun.IDB
}

// Insert writes the anchor row; the unique (record_id, record_version) index
// turns a second anchor into a conflict.
func (r *BunAnchorRepository) Insert(ctx context.Context, anchor *models.BlockchainAnchor) error {
	if _, err := r.db.NewInsert().Model(anchor).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("blockchain_anchor", fmt.Sprintf("%s v%d", anchor.RecordID, anchor.RecordVersion), "record version already anchored")
		}
		return fmt.Errorf("insert anchor: %w", err)
	}
	return nil
}

// GetByRecordVersion returns the anchor for one record version.
func (r *BunAnchorRepository) GetByRecordVersion(ctx context.Context, recordID string, version int) (*models.BlockchainAnchor, error) {
	anchor := new(models.BlockchainAnchor)
	err := r.db.NewSelect().
		Model(anchor).
		Where("record_id = ?", recordID).
		Where("record_version = ?", version).
		Scan(ctx)
	if err != nil {
		return nil, wrapLookup(err, "blockchain_anchor", fmt.Sprintf("%s v%d", recordID, version))
	}
	return anchor, nil
}
