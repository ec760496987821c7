// Package signature creates electronic signatures bound to one record version
// and intent, and drives the approval transition.
package signature

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/hashing"
	"github.com/Levelup666/AuditWiz/internal/logging"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/telemetry"
)

const tracerName = "auditwiz/services/signature"

// ReauthVerifier checks that the signer re-authenticated immediately before signing.
type ReauthVerifier interface {
	VerifyReauth(ctx context.Context, proof, signerID string) error
}

// Approver advances a record to approved inside the signing transaction.
type Approver interface {
	ApproveWithSignature(ctx context.Context, tx repository.Store, record *models.Record, sig *models.Signature, actorID string, role models.Role) (*models.Record, *models.AuditEvent, error)
}

// intentCapabilities maps each intent to the capability its signer must hold.
var intentCapabilities = map[models.SignatureIntent]permission.Capability{
	models.IntentApproval:  permission.RecordApprove,
	models.IntentRejection: permission.RecordReject,
	models.IntentReview:    permission.RecordReview,
	models.IntentAmendment: permission.RecordAmend,
}

// SignInput is one signing request.
type SignInput struct {
	RecordID      string
	RecordVersion int
	SignerID      string
	Intent        models.SignatureIntent
	ReauthProof   string
	IPAddress     *string
	UserAgent     *string
}

// Result is a created signature and, for approvals, the advanced record.
type Result struct {
	Signature *models.Signature `json:"signature"`
	Record    *models.Record    `json:"record,omitempty"`
}

// Service is the signature subsystem.
type Service struct {
	store    repository.Store
	authz    permission.Authorizer
	ledger   *audit.Ledger
	approver Approver
	reauth   ReauthVerifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewService wires the signature subsystem.
func NewService(store repository.Store, authz permission.Authorizer, ledger *audit.Ledger, approver Approver, reauth ReauthVerifier) *Service {
	return &Service{
		store:    store,
		authz:    authz,
		ledger:   ledger,
		approver: approver,
		reauth:   reauth,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	s.logger = logging.OrNop(logger)
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Sign inserts a signature over an exact record version. An approval signature
// and the record's move to approved commit together or not at all.
func (s *Service) Sign(ctx context.Context, in SignInput) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "signature.Sign",
		attribute.String(telemetry.AttrRecordID, in.RecordID),
		attribute.Int(telemetry.AttrRecordVersion, in.RecordVersion),
		attribute.String(telemetry.AttrIntent, string(in.Intent)))
	defer span.End()

	result, err := s.sign(ctx, in)
	telemetry.RecordError(span, err)
	return result, err
}

func (s *Service) sign(ctx context.Context, in SignInput) (*Result, error) {
	capability, ok := intentCapabilities[in.Intent]
	if !ok {
		return nil, apperr.Validation("unknown signature intent %q", in.Intent)
	}

	record, err := s.store.Records().GetByID(ctx, in.RecordID)
	if err != nil {
		return nil, err
	}
	role, err := s.authz.Require(ctx, in.SignerID, record.StudyID, capability)
	if err != nil {
		return nil, err
	}
	if err := s.checkReauth(ctx, in); err != nil {
		return nil, err
	}
	if in.RecordVersion != record.Version {
		return nil, apperr.Validation("record %s is version %d, not %d", record.ID, record.Version, in.RecordVersion)
	}

	signedAt := s.now().UTC().Truncate(time.Millisecond)
	sigHash, err := hashing.SignatureHash(record.ID, record.Version, in.SignerID, string(in.Intent), signedAt)
	if err != nil {
		return nil, fmt.Errorf("hash signature: %w", err)
	}
	sig := &models.Signature{
		ID:            bunx.NewUUIDv7(),
		RecordID:      record.ID,
		RecordVersion: record.Version,
		SignerID:      in.SignerID,
		Intent:        in.Intent,
		SignatureHash: sigHash,
		SignedAt:      signedAt,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
	}

	result := &Result{Signature: sig}
	var committed []*models.AuditEvent
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		committed = committed[:0]

		successor, err := tx.Records().HasSuccessor(ctx, record.ID)
		if err != nil {
			return err
		}
		if successor {
			return apperr.Conflict(models.TargetRecordVersion, record.ID, "version has been superseded; sign the latest version")
		}

		if err := tx.Signatures().Insert(ctx, sig); err != nil {
			return err
		}
		event, err := s.ledger.InTx(tx).Append(ctx, audit.AppendInput{
			StudyID:      &record.StudyID,
			ActorID:      &in.SignerID,
			ActorRole:    role.Ptr(),
			ActionType:   models.ActionSignatureAdded,
			TargetType:   models.TargetSignature,
			TargetID:     sig.ID,
			NewStateHash: sig.SignatureHash,
			Metadata: map[string]any{
				"record_id":      record.ID,
				"record_version": record.Version,
				"intent":         sig.Intent,
				"signed_at":      hashing.FormatTimestamp(signedAt),
			},
		})
		if err != nil {
			return err
		}
		committed = append(committed, event)

		if sig.Intent != models.IntentApproval {
			return nil
		}
		current, err := tx.Records().GetByID(ctx, record.ID)
		if err != nil {
			return err
		}
		approved, approval, err := s.approver.ApproveWithSignature(ctx, tx, current, sig, in.SignerID, role)
		if err != nil {
			return err
		}
		result.Record = approved
		committed = append(committed, approval)
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			s.logger.Info("approval signature rolled back",
				zap.String("record_id", record.ID),
				zap.String("status", string(record.Status)))
		}
		return nil, err
	}

	s.ledger.Notify(ctx, committed...)
	s.logger.Info("record signed",
		zap.String("signature_id", sig.ID),
		zap.String("record_id", record.ID),
		zap.Int("record_version", record.Version),
		zap.String("intent", string(sig.Intent)))
	return result, nil
}

func (s *Service) checkReauth(ctx context.Context, in SignInput) error {
	if in.ReauthProof == "" {
		return apperr.New(apperr.KindReauthRequired, "re-authentication is required to sign")
	}
	if s.reauth == nil {
		return apperr.New(apperr.KindReauthRequired, "re-authentication cannot be verified")
	}
	if err := s.reauth.VerifyReauth(ctx, in.ReauthProof, in.SignerID); err != nil {
		return apperr.Wrap(apperr.KindReauthRequired, err, "re-authentication proof rejected")
	}
	return nil
}

// Verify recomputes a signature hash from its inputs. It is a tamper check and
// never grants anything.
func Verify(signatureHash, recordID string, recordVersion int, signerID string, intent models.SignatureIntent, signedAt time.Time) bool {
	return hashing.VerifySignature(signatureHash, recordID, recordVersion, signerID, string(intent), signedAt)
}

// VerifyStored checks a persisted signature row against its own fields.
func VerifyStored(sig *models.Signature) bool {
	return Verify(sig.SignatureHash, sig.RecordID, sig.RecordVersion, sig.SignerID, sig.Intent, sig.SignedAt)
}

// ListSignatures returns every signature on a record version row, newest first.
func (s *Service) ListSignatures(ctx context.Context, recordID, actorID string) ([]models.Signature, error) {
	record, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.Require(ctx, actorID, record.StudyID, permission.RecordRead); err != nil {
		return nil, err
	}
	return s.store.Signatures().ListByRecord(ctx, recordID)
}
