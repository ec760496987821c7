// Package records manages immutable record version chains and their review status.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/hashing"
	"github.com/Levelup666/AuditWiz/internal/logging"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/services/validation"
)

const tracerName = "auditwiz/services/records"

// Service is the record version chain manager.
type Service struct {
	store     repository.Store
	authz     permission.Authorizer
	ledger    *audit.Ledger
	validator validation.ContentValidator
	logger    *zap.Logger
	now       func() time.Time

	// headReadHook runs between reading a chain head and inserting its successor.
	headReadHook func()
}

// NewService wires the chain manager.
func NewService(store repository.Store, authz permission.Authorizer, ledger *audit.Ledger) *Service {
	return &Service{
		store:  store,
		authz:  authz,
		ledger: ledger,
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

// WithValidator enables per-study content schema checks.
func (s *Service) WithValidator(v validation.ContentValidator) *Service {
	s.validator = v
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

// StateHash is the hash recorded in the ledger for a record row's observable state.
func StateHash(r *models.Record) (string, error) {
	return hashing.Hash(map[string]any{
		"record_id":     r.ID,
		"record_number": r.RecordNumber,
		"version":       r.Version,
		"status":        r.Status,
		"content_hash":  r.ContentHash,
		"status_reason": r.StatusReason,
	})
}

// rootID returns the id of version 1, which names the logical record in the ledger.
func rootID(ctx context.Context, store repository.Store, r *models.Record) (string, error) {
	if r.Version == 1 {
		return r.ID, nil
	}
	root, err := store.Records().GetVersion(ctx, r.StudyID, r.RecordNumber, 1)
	if err != nil {
		return "", fmt.Errorf("resolve root version: %w", err)
	}
	return root.ID, nil
}

// parseContent requires a JSON object. Empty input is treated as {}.
func parseContent(raw []byte) (models.JSONMap, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return models.JSONMap{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	var content map[string]any
	if err := dec.Decode(&content); err != nil {
		return nil, apperr.Validation("content must be a JSON object: %v", err)
	}
	if content == nil {
		return nil, apperr.Validation("content must be a JSON object")
	}
	if dec.More() {
		return nil, apperr.Validation("content must be a single JSON object")
	}
	// Round-trip so the hash is computed over what the store returns.
	normalized, err := json.Marshal(content)
	if err != nil {
		return nil, apperr.Validation("content: %v", err)
	}
	out := models.JSONMap{}
	if err := json.Unmarshal(normalized, &out); err != nil {
		return nil, apperr.Validation("content: %v", err)
	}
	return out, nil
}

func (s *Service) checkSchema(ctx context.Context, studyID string, content models.JSONMap) error {
	if s.validator == nil {
		return nil
	}
	study, err := s.store.Studies().GetByID(ctx, studyID)
	if err != nil {
		return err
	}
	if study.ContentSchema == nil || *study.ContentSchema == "" {
		return nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return apperr.Validation("content: %v", err)
	}
	return s.validator.Validate(*study.ContentSchema, raw)
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func strPtr(v string) *string { return &v }
