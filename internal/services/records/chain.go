package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/hashing"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/telemetry"
)

// CreateRecord starts a new chain at version 1 in draft.
func (s *Service) CreateRecord(ctx context.Context, studyID, recordNumber string, content []byte, actorID string) (*models.Record, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "records.Create", attribute.String(telemetry.AttrStudyID, studyID))
	defer span.End()

	role, err := s.authz.Require(ctx, actorID, studyID, permission.RecordCreate)
	if err != nil {
		return nil, err
	}

	recordNumber = strings.TrimSpace(recordNumber)
	if recordNumber == "" {
		return nil, apperr.Validation("record_number is required")
	}
	parsed, err := parseContent(content)
	if err != nil {
		return nil, err
	}
	if err := s.checkSchema(ctx, studyID, parsed); err != nil {
		return nil, err
	}
	contentHash, err := hashing.Hash(parsed)
	if err != nil {
		return nil, fmt.Errorf("hash content: %w", err)
	}

	now := s.timestamp()
	record := &models.Record{
		ID:           bunx.NewUUIDv7(),
		StudyID:      studyID,
		RecordNumber: recordNumber,
		Version:      1,
		Status:       models.RecordStatusDraft,
		Content:      parsed,
		ContentHash:  contentHash,
		CreatedBy:    actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var event *models.AuditEvent
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if err := tx.Records().Insert(ctx, record); err != nil {
			return err
		}
		state, err := StateHash(record)
		if err != nil {
			return fmt.Errorf("hash record state: %w", err)
		}
		event, err = s.ledger.InTx(tx).Append(ctx, audit.AppendInput{
			StudyID:      &studyID,
			ActorID:      &actorID,
			ActorRole:    role.Ptr(),
			ActionType:   models.ActionRecordCreated,
			TargetType:   models.TargetRecord,
			TargetID:     record.ID,
			NewStateHash: state,
			Metadata: map[string]any{
				"record_number": record.RecordNumber,
				"version":       record.Version,
				"content_hash":  record.ContentHash,
			},
		})
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.ledger.Notify(ctx, event)
	s.logger.Info("record created",
		zap.String("record_id", record.ID),
		zap.String("study_id", studyID),
		zap.String("record_number", recordNumber))
	return record, nil
}

// AmendRecord appends a new draft version after the current chain head reachable
// from recordID. Earlier rows are never touched.
func (s *Service) AmendRecord(ctx context.Context, recordID string, content []byte, reason, actorID string) (*models.Record, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "records.Amend", attribute.String(telemetry.AttrRecordID, recordID))
	defer span.End()

	node, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	role, err := s.authz.Require(ctx, actorID, node.StudyID, permission.RecordAmend)
	if err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("amendment_reason is required")
	}
	parsed, err := parseContent(content)
	if err != nil {
		return nil, err
	}
	if err := s.checkSchema(ctx, node.StudyID, parsed); err != nil {
		return nil, err
	}
	contentHash, err := hashing.Hash(parsed)
	if err != nil {
		return nil, fmt.Errorf("hash content: %w", err)
	}

	head, err := s.store.Records().GetHead(ctx, node.StudyID, node.RecordNumber)
	if err != nil {
		return nil, err
	}
	if s.headReadHook != nil {
		s.headReadHook()
	}

	now := s.timestamp()
	amended := &models.Record{
		ID:                bunx.NewUUIDv7(),
		StudyID:           head.StudyID,
		RecordNumber:      head.RecordNumber,
		Version:           head.Version + 1,
		PreviousVersionID: strPtr(head.ID),
		Status:            models.RecordStatusDraft,
		Content:           parsed,
		ContentHash:       contentHash,
		AmendmentReason:   &reason,
		CreatedBy:         actorID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var event *models.AuditEvent
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		// The unique index on previous_version_id rejects a second child of head.
		if err := tx.Records().Insert(ctx, amended); err != nil {
			return err
		}
		state, err := StateHash(amended)
		if err != nil {
			return fmt.Errorf("hash record state: %w", err)
		}
		root, err := rootID(ctx, tx, amended)
		if err != nil {
			return err
		}
		event, err = s.ledger.InTx(tx).Append(ctx, audit.AppendInput{
			StudyID:      &amended.StudyID,
			ActorID:      &actorID,
			ActorRole:    role.Ptr(),
			ActionType:   models.ActionRecordAmended,
			TargetType:   models.TargetRecordVersion,
			TargetID:     amended.ID,
			NewStateHash: state,
			Metadata: map[string]any{
				"record_id":           root,
				"record_number":       amended.RecordNumber,
				"version":             amended.Version,
				"previous_version_id": head.ID,
				"amendment_reason":    reason,
				"content_hash":        amended.ContentHash,
			},
		})
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.logger.Info("amend lost race for chain head",
				zap.String("record_number", head.RecordNumber),
				zap.Int("head_version", head.Version))
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.ledger.Notify(ctx, event)
	return amended, nil
}

// GetRecord returns one version row.
func (s *Service) GetRecord(ctx context.Context, recordID, actorID string) (*models.Record, error) {
	record, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.Require(ctx, actorID, record.StudyID, permission.RecordRead); err != nil {
		return nil, err
	}
	return record, nil
}

// ListRecords returns the head version of every chain in a study.
func (s *Service) ListRecords(ctx context.Context, studyID, actorID string) ([]models.Record, error) {
	if _, err := s.authz.Require(ctx, actorID, studyID, permission.RecordRead); err != nil {
		return nil, err
	}
	return s.store.Records().ListHeads(ctx, studyID)
}

// GetVersionChain walks previous_version_id from recordID back to version 1 and
// returns the lineage oldest first.
func (s *Service) GetVersionChain(ctx context.Context, recordID, actorID string) ([]models.Record, error) {
	node, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.Require(ctx, actorID, node.StudyID, permission.RecordRead); err != nil {
		return nil, err
	}
	return WalkChain(ctx, s.store.Records(), node)
}

// WalkChain follows parent pointers from node to the root. A chain whose versions
// do not step down by exactly one is reported as an error.
func WalkChain(ctx context.Context, repo repository.RecordRepository, node *models.Record) ([]models.Record, error) {
	chain := make([]models.Record, 0, node.Version)
	current := node
	for {
		chain = append(chain, *current)
		if current.PreviousVersionID == nil {
			break
		}
		if len(chain) >= node.Version {
			return nil, fmt.Errorf("record %s: chain longer than its version number", node.ID)
		}
		parent, err := repo.GetByID(ctx, *current.PreviousVersionID)
		if err != nil {
			return nil, fmt.Errorf("walk version chain: %w", err)
		}
		if parent.Version != current.Version-1 {
			return nil, fmt.Errorf("record %s: version %d follows %d", current.ID, current.Version, parent.Version)
		}
		current = parent
	}
	if current.Version != 1 {
		return nil, fmt.Errorf("record %s: chain root has version %d", node.ID, current.Version)
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// RecordTrail returns the ledger events of the logical record owning recordID, newest first.
func (s *Service) RecordTrail(ctx context.Context, recordID string, limit int, actorID string) ([]models.AuditEvent, error) {
	node, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.Require(ctx, actorID, node.StudyID, permission.AuditRead); err != nil {
		return nil, err
	}
	root, err := rootID(ctx, s.store, node)
	if err != nil {
		return nil, err
	}
	return s.ledger.ReadTrail(ctx, models.TargetRecord, root, limit)
}
