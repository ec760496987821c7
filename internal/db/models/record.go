package models

import (
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// RecordStatus is the review state of one record version.
type RecordStatus string

const (
	RecordStatusDraft       RecordStatus = "draft"
	RecordStatusSubmitted   RecordStatus = "submitted"
	RecordStatusUnderReview RecordStatus = "under_review"
	RecordStatusApproved    RecordStatus = "approved"
	RecordStatusRejected    RecordStatus = "rejected"
)

// Valid reports whether s is a known record status.
func (s RecordStatus) Valid() bool {
	switch s {
	case RecordStatusDraft, RecordStatusSubmitted, RecordStatusUnderReview, RecordStatusApproved, RecordStatusRejected:
		return true
	}
	return false
}

// Record is one immutable version in a record chain. Only Status, StatusReason and
// UpdatedAt change after insertion.
type Record struct {
	bun.BaseModel `bun:"table:records,alias:r"`

	ID                string       `bun:"id,pk,type:uuid" json:"id"`
	StudyID           string       `bun:"study_id,notnull,type:uuid" json:"study_id"`
	RecordNumber      string       `bun:"record_number,notnull" json:"record_number"`
	Version           int          `bun:"version,notnull" json:"version"`
	PreviousVersionID *string      `bun:"previous_version_id,type:uuid" json:"previous_version_id"`
	Status            RecordStatus `bun:"status,notnull" json:"status"`
	StatusReason      *string      `bun:"status_reason" json:"status_reason"`
	Content           JSONMap      `bun:"content,type:jsonb,notnull" json:"content"`
	ContentHash       string       `bun:"content_hash,notnull" json:"content_hash"`
	AmendmentReason   *string      `bun:"amendment_reason" json:"amendment_reason"`
	CreatedBy         string       `bun:"created_by,notnull" json:"created_by"`
	CreatedAt         time.Time    `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time    `bun:"updated_at,notnull" json:"updated_at"`
}

// ValidateForCreate checks the chain shape of a new version row.
func (r *Record) ValidateForCreate() error {
	if r.RecordNumber == "" {
		return errors.New("record_number is required")
	}
	if r.Version < 1 {
		return errors.New("version must be positive")
	}
	if r.Version == 1 && r.PreviousVersionID != nil {
		return errors.New("version 1 cannot reference a previous version")
	}
	if r.Version > 1 {
		if r.PreviousVersionID == nil {
			return errors.New("amended version must reference its previous version")
		}
		if r.AmendmentReason == nil || *r.AmendmentReason == "" {
			return errors.New("amendment_reason is required when previous_version_id is set")
		}
	}
	if r.ContentHash == "" {
		return errors.New("content_hash is required")
	}
	return nil
}

// Document is an immutable file attached to one record version.
type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	ID         string    `bun:"id,pk,type:uuid" json:"id"`
	RecordID   string    `bun:"record_id,notnull,type:uuid" json:"record_id"`
	FileName   string    `bun:"file_name,notnull" json:"file_name"`
	FilePath   string    `bun:"file_path,notnull" json:"file_path"`
	FileHash   string    `bun:"file_hash,notnull" json:"file_hash"`
	FileSize   int64     `bun:"file_size,notnull" json:"file_size"`
	MimeType   string    `bun:"mime_type,notnull" json:"mime_type"`
	UploadedBy string    `bun:"uploaded_by,notnull" json:"uploaded_by"`
	UploadedAt time.Time `bun:"uploaded_at,notnull" json:"uploaded_at"`
}
