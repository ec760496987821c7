// Package documents attaches immutable files to record versions.
package documents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/blob"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/hashing"
	"github.com/Levelup666/AuditWiz/internal/logging"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/telemetry"
)

const (
	tracerName = "auditwiz/services/documents"

	DefaultMaxSize   int64 = 50 * 1024 * 1024
	DefaultSignedTTL       = 60 * time.Second
	defaultMimeType        = "application/octet-stream"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// UploadInput is one attachment. Data is the full file body.
type UploadInput struct {
	RecordID string
	FileName string
	MimeType string
	Data     []byte
	ActorID  string
}

// Service stores attachments in a blob store and records them in the ledger.
type Service struct {
	store     repository.Store
	authz     permission.Authorizer
	ledger    *audit.Ledger
	blobs     blob.Store
	maxSize   int64
	signedTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store repository.Store, authz permission.Authorizer, ledger *audit.Ledger, blobs blob.Store) *Service {
	return &Service{
		store:     store,
		authz:     authz,
		ledger:    ledger,
		blobs:     blobs,
		maxSize:   DefaultMaxSize,
		signedTTL: DefaultSignedTTL,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
}

// WithLimits overrides the upload size cap and download link lifetime.
// Non-positive values keep the defaults.
func (s *Service) WithLimits(maxSize int64, signedTTL time.Duration) *Service {
	if maxSize > 0 {
		s.maxSize = maxSize
	}
	if signedTTL > 0 {
		s.signedTTL = signedTTL
	}
	return s
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	s.logger = logging.OrNop(logger)
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SanitizeFileName replaces everything outside [a-zA-Z0-9._-] with '_'.
func SanitizeFileName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// Upload stores the file and appends document_uploaded on the new document.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*models.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "documents.Upload",
		attribute.String(telemetry.AttrRecordID, in.RecordID))
	defer span.End()

	doc, err := s.upload(ctx, in)
	telemetry.RecordError(span, err)
	return doc, err
}

func (s *Service) upload(ctx context.Context, in UploadInput) (*models.Document, error) {
	record, err := s.store.Records().GetByID(ctx, in.RecordID)
	if err != nil {
		return nil, err
	}
	role, err := s.authz.Require(ctx, in.ActorID, record.StudyID, permission.DocumentUpload)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.FileName)
	switch {
	case len(in.Data) == 0:
		return nil, apperr.Validation("file is required")
	case int64(len(in.Data)) > s.maxSize:
		return nil, apperr.Validation("file exceeds the %d byte limit", s.maxSize)
	case name == "":
		return nil, apperr.Validation("file name is required")
	}
	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	doc := &models.Document{
		ID:         bunx.NewUUIDv7(),
		RecordID:   record.ID,
		FileName:   name,
		FileHash:   hashing.HashBytes(in.Data),
		FileSize:   int64(len(in.Data)),
		MimeType:   mimeType,
		UploadedBy: in.ActorID,
		UploadedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	doc.FilePath = fmt.Sprintf("%s/%s-%s", record.ID, bunx.NewUUIDv7(), SanitizeFileName(name))

	if err := s.blobs.Put(ctx, doc.FilePath, in.Data, mimeType); err != nil {
		return nil, apperr.Wrap(apperr.KindExternalUnavailable, err, "store document")
	}

	state, err := hashing.Hash(map[string]any{
		"document_id": doc.ID,
		"file_path":   doc.FilePath,
		"file_hash":   doc.FileHash,
	})
	if err != nil {
		return nil, fmt.Errorf("hash document state: %w", err)
	}

	var event *models.AuditEvent
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if err := tx.Documents().Insert(ctx, doc); err != nil {
			return err
		}
		event, err = s.ledger.InTx(tx).Append(ctx, audit.AppendInput{
			StudyID:      &record.StudyID,
			ActorID:      &in.ActorID,
			ActorRole:    role.Ptr(),
			ActionType:   models.ActionDocumentUploaded,
			TargetType:   models.TargetDocument,
			TargetID:     doc.ID,
			NewStateHash: state,
			Metadata: map[string]any{
				"record_id": record.ID,
				"file_name": doc.FileName,
				"file_hash": doc.FileHash,
				"file_size": doc.FileSize,
			},
		})
		return err
	})
	if err != nil {
		s.logger.Warn("document blob stored without metadata row",
			zap.String("record_id", record.ID),
			zap.String("file_path", doc.FilePath),
			zap.Error(err))
		return nil, err
	}

	s.ledger.Notify(ctx, event)
	return doc, nil
}

// List returns the documents attached to a record version, newest first.
func (s *Service) List(ctx context.Context, recordID, actorID string) ([]models.Document, error) {
	record, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.Require(ctx, actorID, record.StudyID, permission.DocumentRead); err != nil {
		return nil, err
	}
	return s.store.Documents().ListByRecord(ctx, record.ID)
}

// DownloadURL returns a short-lived link to one document of the record.
func (s *Service) DownloadURL(ctx context.Context, recordID, documentID, actorID string) (string, *models.Document, error) {
	record, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return "", nil, err
	}
	if _, err := s.authz.Require(ctx, actorID, record.StudyID, permission.DocumentRead); err != nil {
		return "", nil, err
	}
	doc, err := s.store.Documents().GetByID(ctx, documentID)
	if err != nil {
		return "", nil, err
	}
	if doc.RecordID != record.ID {
		return "", nil, apperr.NotFound(models.TargetDocument, documentID)
	}

	link, err := s.blobs.SignedURL(ctx, doc.FilePath, s.signedTTL)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", nil, apperr.NotFound(models.TargetDocument, documentID)
		}
		return "", nil, apperr.Wrap(apperr.KindExternalUnavailable, err, "create download link")
	}
	return link, doc, nil
}
