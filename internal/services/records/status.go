package records

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/telemetry"
)

// transition is one edge of the review state machine reachable through TransitionStatus.
type transition struct {
	from       []models.RecordStatus
	capability permission.Capability
	action     models.AuditActionType
}

var transitions = map[models.RecordStatus]transition{
	models.RecordStatusSubmitted: {
		from:       []models.RecordStatus{models.RecordStatusDraft},
		capability: permission.RecordSubmit,
		action:     models.ActionRecordSubmitted,
	},
	models.RecordStatusUnderReview: {
		from:       []models.RecordStatus{models.RecordStatusDraft},
		capability: permission.RecordSubmit,
		action:     models.ActionRecordSubmitted,
	},
	models.RecordStatusRejected: {
		from:       []models.RecordStatus{models.RecordStatusSubmitted, models.RecordStatusUnderReview},
		capability: permission.RecordReject,
		action:     models.ActionRecordRejected,
	},
}

// approvableFrom lists the statuses an approval signature can advance.
var approvableFrom = []models.RecordStatus{models.RecordStatusSubmitted, models.RecordStatusUnderReview}

// TransitionStatus moves one record version along the review state machine.
// Approval is not reachable here; it is driven by an approval signature.
func (s *Service) TransitionStatus(ctx context.Context, recordID string, to models.RecordStatus, reason *string, actorID string) (*models.Record, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "records.TransitionStatus",
		attribute.String(telemetry.AttrRecordID, recordID),
		attribute.String("record.to_status", string(to)))
	defer span.End()

	record, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, apperr.Validation("unknown record status %q", to)
	}
	edge, ok := transitions[to]
	if !ok {
		if _, err := s.authz.Require(ctx, actorID, record.StudyID, permission.RecordRead); err != nil {
			return nil, err
		}
		if to == models.RecordStatusApproved {
			return nil, apperr.New(apperr.KindInvalidTransition, "approval requires an approval signature")
		}
		return nil, apperr.New(apperr.KindInvalidTransition, "cannot transition %s to %s", record.Status, to)
	}

	role, err := s.authz.Require(ctx, actorID, record.StudyID, edge.capability)
	if err != nil {
		return nil, err
	}
	if !statusIn(record.Status, edge.from) {
		return nil, apperr.New(apperr.KindInvalidTransition, "cannot transition %s to %s", record.Status, to)
	}
	if reason != nil {
		trimmed := strings.TrimSpace(*reason)
		if trimmed == "" {
			reason = nil
		} else {
			reason = &trimmed
		}
	}

	var (
		updated *models.Record
		event   *models.AuditEvent
	)
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		successor, err := tx.Records().HasSuccessor(ctx, record.ID)
		if err != nil {
			return err
		}
		if successor {
			return apperr.Conflict(models.TargetRecordVersion, record.ID, "version has been superseded by an amendment")
		}
		updated, event, err = s.applyTransition(ctx, tx, record, edge.from, to, reason, edge.action, actorID, role, map[string]any{
			"reason": reason,
		})
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.ledger.Notify(ctx, event)
	return updated, nil
}

// ApproveWithSignature advances a submitted or under-review version to approved
// inside the signing transaction and records the approval on the record's trail.
// tx must be the transaction that inserted sig.
func (s *Service) ApproveWithSignature(ctx context.Context, tx repository.Store, record *models.Record, sig *models.Signature, actorID string, role models.Role) (*models.Record, *models.AuditEvent, error) {
	if sig.RecordID != record.ID || sig.RecordVersion != record.Version || sig.Intent != models.IntentApproval {
		return nil, nil, apperr.Validation("signature does not approve this record version")
	}
	if !statusIn(record.Status, approvableFrom) {
		return nil, nil, apperr.New(apperr.KindInvalidTransition, "cannot approve a %s record", record.Status)
	}
	return s.applyTransition(ctx, tx, record, approvableFrom, models.RecordStatusApproved, nil, models.ActionRecordApproved, actorID, role, map[string]any{
		"signature_id":   sig.ID,
		"signature_hash": sig.SignatureHash,
	})
}

func (s *Service) applyTransition(
	ctx context.Context,
	tx repository.Store,
	record *models.Record,
	from []models.RecordStatus,
	to models.RecordStatus,
	reason *string,
	action models.AuditActionType,
	actorID string,
	role models.Role,
	extra map[string]any,
) (*models.Record, *models.AuditEvent, error) {
	root, err := rootID(ctx, tx, record)
	if err != nil {
		return nil, nil, err
	}
	ledger := s.ledger.InTx(tx)
	prev, err := ledger.PreviousHash(ctx, models.TargetRecord, root)
	if err != nil {
		return nil, nil, err
	}

	ok, err := tx.Records().TransitionStatus(ctx, record.ID, from, to, reason, s.timestamp())
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, apperr.New(apperr.KindInvalidTransition, "record status changed concurrently; re-read and retry")
	}

	updated, err := tx.Records().GetByID(ctx, record.ID)
	if err != nil {
		return nil, nil, err
	}
	state, err := StateHash(updated)
	if err != nil {
		return nil, nil, fmt.Errorf("hash record state: %w", err)
	}

	metadata := map[string]any{
		"record_version_id": updated.ID,
		"version":           updated.Version,
		"from_status":       record.Status,
		"to_status":         to,
	}
	for k, v := range extra {
		metadata[k] = v
	}

	event, err := ledger.Append(ctx, audit.AppendInput{
		StudyID:           &updated.StudyID,
		ActorID:           &actorID,
		ActorRole:         role.Ptr(),
		ActionType:        action,
		TargetType:        models.TargetRecord,
		TargetID:          root,
		PreviousStateHash: prev,
		NewStateHash:      state,
		Metadata:          metadata,
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, event, nil
}

func statusIn(s models.RecordStatus, set []models.RecordStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
