package repository

import (
	"context"
	"time"

	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// StudyRepository exposes persistence operations for studies.
type StudyRepository interface {
	Create(ctx context.Context, study *models.Study) error
	GetByID(ctx context.Context, id string) (*models.Study, error)
	UpdateStatus(ctx context.Context, id string, status models.StudyStatus, at time.Time) error
	UpdateContentSchema(ctx context.Context, id string, schema *string, at time.Time) error
	ListForUser(ctx context.Context, userID string) ([]models.Study, error)
}

// MembershipRepository exposes grant/revoke operations on study memberships.
// Only rows with revoked_at IS NULL are active.
type MembershipRepository interface {
	Grant(ctx context.Context, member *models.StudyMember) error
	Revoke(ctx context.Context, studyID, userID string, at time.Time) (*models.StudyMember, error)
	GetActive(ctx context.Context, studyID, userID string) (*models.StudyMember, error)
	ListActive(ctx context.Context, studyID string) ([]models.StudyMember, error)
	ListHistory(ctx context.Context, studyID, userID string) ([]models.StudyMember, error)
}

// RecordRepository exposes persistence operations for record version chains.
type RecordRepository interface {
	Insert(ctx context.Context, record *models.Record) error
	GetByID(ctx context.Context, id string) (*models.Record, error)
	GetVersion(ctx context.Context, studyID, recordNumber string, version int) (*models.Record, error)
	GetHead(ctx context.Context, studyID, recordNumber string) (*models.Record, error)
	HasSuccessor(ctx context.Context, id string) (bool, error)
	ListHeads(ctx context.Context, studyID string) ([]models.Record, error)
	// TransitionStatus moves the row to `to` only while its status is one of `from`.
	// It reports false when no row matched the predicate.
	TransitionStatus(ctx context.Context, id string, from []models.RecordStatus, to models.RecordStatus, reason *string, at time.Time) (bool, error)
}

// DocumentRepository exposes persistence operations for record attachments.
type DocumentRepository interface {
	Insert(ctx context.Context, doc *models.Document) error
	GetByID(ctx context.Context, id string) (*models.Document, error)
	ListByRecord(ctx context.Context, recordID string) ([]models.Document, error)
}

// SignatureRepository exposes persistence operations for signatures.
type SignatureRepository interface {
	Insert(ctx context.Context, sig *models.Signature) error
	GetByID(ctx context.Context, id string) (*models.Signature, error)
	ListByRecord(ctx context.Context, recordID string) ([]models.Signature, error)
}

// AuditQuery scopes ordered range reads over the ledger.
type AuditQuery struct {
	StudyID   *string
	From      *time.Time
	To        *time.Time
	Limit     int
	Ascending bool
	// After resumes an ascending read strictly after this (timestamp, id) position.
	After *AuditCursor
}

// AuditCursor is a position in the (timestamp, id) export order.
type AuditCursor struct {
	Timestamp time.Time
	ID        string
}

// AuditRepository is the append-only ledger store. It has no update or delete.
type AuditRepository interface {
	// Insert fails with a retryable conflict when the event's (target, sequence)
	// position is already taken.
	Insert(ctx context.Context, event *models.AuditEvent) error
	Latest(ctx context.Context, targetType, targetID string) (*models.AuditEvent, error)
	ListByTarget(ctx context.Context, targetType, targetID string, limit int, ascending bool) ([]models.AuditEvent, error)
	List(ctx context.Context, q AuditQuery) ([]models.AuditEvent, error)
}

// AnchorRepository exposes persistence operations for blockchain anchors.
type AnchorRepository interface {
	Insert(ctx context.Context, anchor *models.BlockchainAnchor) error
	GetByRecordVersion(ctx context.Context, recordID string, version int) (*models.BlockchainAnchor, error)
}

// Store groups the repositories that share one connection or transaction.
type Store interface {
	Studies() StudyRepository
	Members() MembershipRepository
	Records() RecordRepository
	Documents() DocumentRepository
	Signatures() SignatureRepository
	Audit() AuditRepository
	Anchors() AnchorRepository

	// RunInTx runs fn with a Store bound to one transaction. A Store that is
	// already transactional runs fn inline.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
