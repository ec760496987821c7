package repository

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// BunDocumentRepository persists document metadata using Bun ORM.
type BunDocumentRepository struct {
	db bun.IDB
}

// Insert writes a document row.
func (r *BunDocumentRepository) Insert(ctx context.Context, doc *models.Document) error {
	if _, err := r.db.NewInsert().Model(doc).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("document", doc.ID, "already exists")
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetByID fetches a document.
func (r *BunDocumentRepository) GetByID(ctx context.Context, id string) (*models.Document, error) {
	doc := new(models.Document)
	if err := r.db.NewSelect().Model(doc).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapLookup(err, "document", id)
	}
	return doc, nil
}

// ListByRecord returns a version's documents, newest first.
func (r *BunDocumentRepository) ListByRecord(ctx context.Context, recordID string) ([]models.Document, error) {
	docs := []models.Document{}
	err := r.db.NewSelect().
		Model(&docs).
		Where("record_id = ?", recordID).
		Order("uploaded_at DESC", "id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func wrapLookup(err error, entity, id string) error {
	if isNoRows(err) {
		return apperr.NotFound(entity, id)
	}
	return fmt.Errorf("query %s: %w", entity, err)
}
