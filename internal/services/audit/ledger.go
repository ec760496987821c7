// Package audit is the hash-chained, append-only provenance ledger.
//
// Every (target entity type, target entity id) pair owns one chain. Each event's
// previous state hash must equal the new state hash of the event before it on the
// same chain, and the first event of a chain carries none. Append enforces this
// with a conditional insert on the chain position, so two writers racing on the
// same chain cannot both succeed; the loser gets a retryable conflict.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/events"
	"github.com/Levelup666/AuditWiz/internal/hashing"
	"github.com/Levelup666/AuditWiz/internal/logging"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/telemetry"
)

const tracerName = "auditwiz/services/audit"

// ErrChainMismatch is the generic message returned for chain conflicts. Full
// detail goes to the operator log only.
var ErrChainMismatch = apperr.New(apperr.KindConflictRetryable, "audit trail changed; re-read the latest event and retry")

// AppendInput describes one event. Hashes are computed by the caller.
type AppendInput struct {
	StudyID           *string
	ActorID           *string
	ActorRole         *string
	ActionType        models.AuditActionType
	TargetType        string
	TargetID          string
	PreviousStateHash *string
	NewStateHash      string
	Metadata          map[string]any
}

// Ledger is the sole write entry point to the audit trail.
type Ledger struct {
	store         repository.Store
	bus           events.Bus
	subjectPrefix string
	logger        *zap.Logger
	now           func() time.Time
	pageSize      int
}

// NewLedger constructs a ledger over store.
func NewLedger(store repository.Store) *Ledger {
	return &Ledger{
		store:  store,
		logger:   zap.NewNop(),
		now:      time.Now,
		pageSize: MaxExportLimit,
	}
}

// WithBus publishes committed events through bus on subjects "<prefix>.<action_type>".
func (l *Ledger) WithBus(bus events.Bus, subjectPrefix string) *Ledger {
	l.bus = bus
	l.subjectPrefix = subjectPrefix
	return l
}

// WithLogger sets the operator logger.
func (l *Ledger) WithLogger(logger *zap.Logger) *Ledger {
	l.logger = logging.OrNop(logger)
	return l
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithExportPageSize sets how many rows a filtered export reads per page.
func (l *Ledger) WithExportPageSize(n int) *Ledger {
	if n > 0 {
		l.pageSize = n
	}
	return l
}

// InTx returns a ledger bound to a transactional store. Events appended through it
// commit or roll back with the caller's transaction.
func (l *Ledger) InTx(tx repository.Store) *Ledger {
	cp := *l
	cp.store = tx
	return &cp
}

// Head returns the latest event of a chain, or nil when the chain is empty.
func (l *Ledger) Head(ctx context.Context, targetType, targetID string) (*models.AuditEvent, error) {
	head, err := l.store.Audit().Latest(ctx, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("read audit head: %w", err)
	}
	return head, nil
}

// PreviousHash returns the hash an append to this chain must carry as its
// previous state hash (nil for an empty chain).
func (l *Ledger) PreviousHash(ctx context.Context, targetType, targetID string) (*string, error) {
	head, err := l.Head(ctx, targetType, targetID)
	if err != nil || head == nil {
		return nil, err
	}
	h := head.NewStateHash
	return &h, nil
}

// Append validates the chain link and inserts the event at the next chain position.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*models.AuditEvent, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "audit.Append",
		attribute.String(telemetry.AttrTargetType, in.TargetType),
		attribute.String(telemetry.AttrTargetID, in.TargetID),
		attribute.String(telemetry.AttrActionType, string(in.ActionType)),
	)
	defer span.End()

	event, err := l.append(ctx, in)
	telemetry.RecordError(span, err)
	return event, err
}

func (l *Ledger) append(ctx context.Context, in AppendInput) (*models.AuditEvent, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	metadata, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return nil, apperr.Validation("metadata: %v", err)
	}

	head, err := l.Head(ctx, in.TargetType, in.TargetID)
	if err != nil {
		return nil, err
	}
	if !linksTo(head, in.PreviousStateHash) {
		l.logChainMismatch(in, head)
		telemetry.LedgerConflicts.Inc()
		return nil, ErrChainMismatch
	}

	ts := l.now().UTC().Truncate(time.Microsecond)
	seq := int64(1)
	if head != nil {
		seq = head.Sequence + 1
		if ts.Before(head.Timestamp) {
			ts = head.Timestamp.UTC()
		}
	}

	event := &models.AuditEvent{
		ID:                bunx.NewUUIDv7(),
		EventID:           bunx.NewUUIDv7(),
		StudyID:           in.StudyID,
		ActorID:           in.ActorID,
		ActorRoleAtTime:   in.ActorRole,
		ActionType:        in.ActionType,
		TargetEntityType:  in.TargetType,
		TargetEntityID:    in.TargetID,
		Sequence:          seq,
		PreviousStateHash: in.PreviousStateHash,
		NewStateHash:      in.NewStateHash,
		Timestamp:         ts,
		Metadata:          metadata,
	}
	if event.EventHash, err = EventHash(event); err != nil {
		return nil, fmt.Errorf("hash audit event: %w", err)
	}

	if err := l.store.Audit().Insert(ctx, event); err != nil {
		if apperr.IsRetryable(err) {
			l.logChainMismatch(in, head)
			telemetry.LedgerConflicts.Inc()
			return nil, ErrChainMismatch
		}
		return nil, fmt.Errorf("append audit event: %w", err)
	}

	telemetry.LedgerAppends.WithLabelValues(string(in.ActionType)).Inc()
	return event, nil
}

// Notify publishes committed events. Call it only after the enclosing
// transaction commits; publication failures are logged and never returned.
func (l *Ledger) Notify(ctx context.Context, committed ...*models.AuditEvent) {
	if l.bus == nil {
		return
	}
	for _, e := range committed {
		if e == nil {
			continue
		}
		payload, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("marshal audit event for publication", zap.String("event_id", e.EventID), zap.Error(err))
			continue
		}
		topic := events.Topic(l.subjectPrefix, string(e.ActionType))
		if err := l.bus.Publish(ctx, events.Event{Topic: topic, Payload: payload, Timestamp: e.Timestamp}); err != nil {
			l.logger.Warn("publish audit event", zap.String("event_id", e.EventID), zap.String("topic", topic), zap.Error(err))
		}
	}
}

func validateInput(in AppendInput) error {
	if !in.ActionType.Valid() {
		return apperr.Validation("unknown action type %q", in.ActionType)
	}
	if in.TargetType == "" {
		return apperr.Validation("target entity type is required")
	}
	if in.NewStateHash == "" {
		return apperr.Validation("new state hash is required")
	}
	if in.PreviousStateHash != nil && *in.PreviousStateHash == "" {
		return apperr.Validation("previous state hash must be nil or non-empty")
	}
	return nil
}

func linksTo(head *models.AuditEvent, prev *string) bool {
	if head == nil {
		return prev == nil
	}
	return prev != nil && hashing.Equal(*prev, head.NewStateHash)
}

func (l *Ledger) logChainMismatch(in AppendInput, head *models.AuditEvent) {
	fields := []zap.Field{
		zap.String("target_type", in.TargetType),
		zap.String("target_id", in.TargetID),
		zap.String("action_type", string(in.ActionType)),
		zap.Stringp("supplied_previous_hash", in.PreviousStateHash),
	}
	if head != nil {
		fields = append(fields,
			zap.String("head_event_id", head.EventID),
			zap.Int64("head_sequence", head.Sequence),
			zap.String("expected_previous_hash", head.NewStateHash))
	}
	l.logger.Warn("audit chain mismatch", fields...)
}

// normalizeMetadata round-trips metadata through JSON so the event hash is
// computed over exactly what the store will return.
func normalizeMetadata(in map[string]any) (models.JSONMap, error) {
	out := models.JSONMap{}
	if len(in) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsChainConflict reports whether err is a retryable ledger conflict.
func IsChainConflict(err error) bool {
	return errors.Is(err, apperr.ErrConflictRetryable)
}
