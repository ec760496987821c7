// Package anchor notarizes approved record versions on an external network.
//
// Notarization is best-effort. A failed or absent network yields a soft-null
// anchor (no transaction hash, no block number) that is still persisted and
// audited, so a retry finds the existing row instead of submitting again.
package anchor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/hashing"
	"github.com/Levelup666/AuditWiz/internal/logging"
	"github.com/Levelup666/AuditWiz/internal/notary"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/telemetry"
)

const (
	tracerName       = "auditwiz/services/anchor"
	defaultCacheSize = 1024
	persistTimeout   = 10 * time.Second
)

// Anchoring outcomes, used as metric labels and event metadata.
const (
	OutcomeNotarized   = "notarized"
	OutcomeUnconfirmed = "unconfirmed"
	OutcomeSoftNull    = "soft_null"
)

// Input is one anchoring request. ContentHash is optional; when set it must
// match the stored version.
type Input struct {
	RecordID      string
	RecordVersion int
	ContentHash   string
	ActorID       string
}

// Service is the anchoring connector.
type Service struct {
	store          repository.Store
	authz          permission.Authorizer
	ledger         *audit.Ledger
	notary         notary.Notarizer
	cache          *lru.Cache[string, *models.BlockchainAnchor]
	confirmTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewService wires the connector. A nil notarizer anchors everything as soft-null.
func NewService(store repository.Store, authz permission.Authorizer, ledger *audit.Ledger, n notary.Notarizer) (*Service, error) {
	cache, err := lru.New[string, *models.BlockchainAnchor](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create anchor cache: %w", err)
	}
	return &Service{
		store:          store,
		authz:          authz,
		ledger:         ledger,
		notary:         n,
		cache:          cache,
		confirmTimeout: 2 * time.Minute,
		logger:         zap.NewNop(),
		now:            time.Now,
	}, nil
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	s.logger = logging.OrNop(logger)
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithConfirmTimeout bounds the external submit and confirmation calls.
func (s *Service) WithConfirmTimeout(d time.Duration) *Service {
	if d > 0 {
		s.confirmTimeout = d
	}
	return s
}

// Anchor notarizes an approved record version exactly once.
func (s *Service) Anchor(ctx context.Context, in Input) (*models.BlockchainAnchor, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "anchor.Anchor",
		attribute.String(telemetry.AttrRecordID, in.RecordID),
		attribute.Int(telemetry.AttrRecordVersion, in.RecordVersion),
		attribute.String(telemetry.AttrNotary, s.networkName()))
	defer span.End()

	anchor, err := s.anchor(ctx, in)
	telemetry.RecordError(span, err)
	return anchor, err
}

func (s *Service) anchor(ctx context.Context, in Input) (*models.BlockchainAnchor, error) {
	record, err := s.store.Records().GetByID(ctx, in.RecordID)
	if err != nil {
		return nil, err
	}
	if in.RecordVersion != record.Version {
		return nil, apperr.Validation("record %s is version %d, not %d", record.ID, record.Version, in.RecordVersion)
	}
	if record.Status != models.RecordStatusApproved {
		return nil, apperr.New(apperr.KindInvalidTransition, "only approved records can be anchored; record is %s", record.Status)
	}
	role, err := s.authz.Require(ctx, in.ActorID, record.StudyID, permission.RecordAnchor)
	if err != nil {
		return nil, err
	}
	if in.ContentHash != "" && !hashing.Equal(strings.ToLower(in.ContentHash), record.ContentHash) {
		return nil, apperr.Validation("content hash does not match record version")
	}

	if _, err := s.store.Anchors().GetByRecordVersion(ctx, record.ID, record.Version); err == nil {
		return nil, apperr.Conflict(models.TargetAnchor, record.ID, "record version already anchored")
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	anchor := &models.BlockchainAnchor{
		ID:            bunx.NewUUIDv7(),
		RecordID:      record.ID,
		RecordVersion: record.Version,
		ContentHash:   record.ContentHash,
		Network:       s.networkName(),
	}
	outcome, receiptMeta := s.notarize(ctx, anchor)

	// The external call has returned. A caller cancelled before the network
	// accepted anything gets nothing written; once a reference exists the anchor
	// is persisted regardless of cancellation.
	cancelled := ctx.Err()
	if cancelled != nil {
		if anchor.TransactionHash == nil {
			return nil, cancelled
		}
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer stop()
		s.logger.Warn("caller cancelled after notarization; persisting anchor",
			zap.String("record_id", anchor.RecordID),
			zap.Int("record_version", anchor.RecordVersion),
			zap.String("transaction_hash", *anchor.TransactionHash))
	}
	anchor.AnchoredAt = s.now().UTC().Truncate(time.Microsecond)

	var event *models.AuditEvent
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if err := tx.Anchors().Insert(ctx, anchor); err != nil {
			return err
		}
		state, err := StateHash(anchor)
		if err != nil {
			return fmt.Errorf("hash anchor state: %w", err)
		}
		metadata := map[string]any{
			"record_id":        anchor.RecordID,
			"record_version":   anchor.RecordVersion,
			"content_hash":     anchor.ContentHash,
			"network":          anchor.Network,
			"transaction_hash": anchor.TransactionHash,
			"block_number":     anchor.BlockNumber,
			"outcome":          outcome,
		}
		if len(receiptMeta) > 0 {
			metadata["receipt"] = receiptMeta
		}
		event, err = s.ledger.InTx(tx).Append(ctx, audit.AppendInput{
			StudyID:      &record.StudyID,
			ActorID:      &in.ActorID,
			ActorRole:    role.Ptr(),
			ActionType:   models.ActionBlockchainAnchored,
			TargetType:   models.TargetAnchor,
			TargetID:     anchor.ID,
			NewStateHash: state,
			Metadata:     metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	telemetry.AnchorAttempts.WithLabelValues(outcome).Inc()
	s.cache.Add(cacheKey(anchor.RecordID, anchor.RecordVersion), anchor)
	s.ledger.Notify(ctx, event)
	if cancelled != nil {
		return nil, cancelled
	}
	return anchor, nil
}

// notarize fills the anchor's external reference. Failures never escape.
func (s *Service) notarize(ctx context.Context, anchor *models.BlockchainAnchor) (string, map[string]any) {
	if s.notary == nil {
		return OutcomeSoftNull, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ref, err := s.notary.Submit(callCtx, HashBytes(anchor.ContentHash))
	if err != nil {
		s.logUnavailable(anchor, "submit", err)
		return OutcomeSoftNull, nil
	}
	receipt, err := s.notary.AwaitConfirmation(callCtx, ref)
	if err != nil {
		s.logUnavailable(anchor, "confirm", err)
		anchor.TransactionHash = &ref
		return OutcomeUnconfirmed, nil
	}

	txHash := receipt.TxHash
	if txHash == "" {
		txHash = ref
	}
	anchor.TransactionHash = &txHash
	anchor.BlockNumber = receipt.BlockNumber
	return OutcomeNotarized, receipt.Metadata
}

func (s *Service) logUnavailable(anchor *models.BlockchainAnchor, step string, err error) {
	if errors.Is(err, notary.ErrDisabled) {
		return
	}
	wrapped := apperr.Wrap(apperr.KindExternalUnavailable, err, "notarization %s failed", step)
	s.logger.Warn("anchoring degraded to soft-null",
		zap.String("record_id", anchor.RecordID),
		zap.Int("record_version", anchor.RecordVersion),
		zap.String("network", anchor.Network),
		zap.Error(wrapped))
}

// CheckStatus returns the anchor of the version row recordID, or nil when the
// version has not been anchored.
func (s *Service) CheckStatus(ctx context.Context, recordID, actorID string) (*models.BlockchainAnchor, error) {
	record, err := s.store.Records().GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.Require(ctx, actorID, record.StudyID, permission.RecordRead); err != nil {
		return nil, err
	}

	key := cacheKey(record.ID, record.Version)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}
	anchor, err := s.store.Anchors().GetByRecordVersion(ctx, record.ID, record.Version)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s.cache.Add(key, anchor)
	return anchor, nil
}

// StateHash is the ledger state of an anchor row.
func StateHash(a *models.BlockchainAnchor) (string, error) {
	return hashing.Hash(map[string]any{
		"anchor_id":        a.ID,
		"record_id":        a.RecordID,
		"record_version":   a.RecordVersion,
		"content_hash":     a.ContentHash,
		"network":          a.Network,
		"transaction_hash": a.TransactionHash,
		"block_number":     a.BlockNumber,
	})
}

// HashBytes converts a content hash into the 32 bytes submitted for notarization.
// Hex digests are decoded; anything else is left-padded or cut to 32 bytes.
func HashBytes(contentHash string) []byte {
	if len(contentHash) == 64 {
		if b, err := hex.DecodeString(contentHash); err == nil {
			return b
		}
	}
	raw := []byte(contentHash)
	if len(raw) >= 32 {
		return raw[:32]
	}
	out := make([]byte, 32)
	copy(out[32-len(raw):], raw)
	return out
}

func (s *Service) networkName() string {
	if s.notary == nil {
		return notary.Noop{}.Name()
	}
	return s.notary.Name()
}

func cacheKey(recordID string, version int) string {
	return fmt.Sprintf("%s:%d", recordID, version)
}
