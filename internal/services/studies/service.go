// Package studies manages study lifecycle and study-scoped memberships.
package studies

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/hashing"
	"github.com/Levelup666/AuditWiz/internal/logging"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/inference"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/services/validation"
)

// Service owns studies and memberships.
type Service struct {
	store     repository.Store
	authz     permission.Authorizer
	ledger    *audit.Ledger
	validator validation.ContentValidator
	inferrer  inference.SchemaInferrer
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires the study service.
func NewService(store repository.Store, authz permission.Authorizer, ledger *audit.Ledger) *Service {
	return &Service{
		store:  store,
		authz:  authz,
		ledger: ledger,
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

// WithValidator checks content schemas before they are stored.
func (s *Service) WithValidator(v validation.ContentValidator) *Service {
	s.validator = v
	return s
}

// WithInferrer enables InferContentSchema.
func (s *Service) WithInferrer(i inference.SchemaInferrer) *Service {
	s.inferrer = i
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

// CreateStudyInput describes a new study.
type CreateStudyInput struct {
	Title       string
	Description string
	Status      models.StudyStatus
}

// CreateStudy inserts a study and makes its creator the first admin.
func (s *Service) CreateStudy(ctx context.Context, in CreateStudyInput, actorID string) (*models.Study, error) {
	if actorID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if in.Status == "" {
		in.Status = models.StudyStatusDraft
	}
	if !in.Status.Valid() {
		return nil, apperr.Validation("unknown study status %q", in.Status)
	}

	now := s.timestamp()
	study := &models.Study{
		ID:          bunx.NewUUIDv7(),
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Status:      in.Status,
		OwnerID:     actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	owner := &models.StudyMember{
		ID:        bunx.NewUUIDv7(),
		StudyID:   study.ID,
		UserID:    actorID,
		Role:      models.RoleAdmin,
		GrantedBy: actorID,
		GrantedAt: now,
	}

	var committed []*models.AuditEvent
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		committed = committed[:0]
		if err := tx.Studies().Create(ctx, study); err != nil {
			return err
		}
		if err := tx.Members().Grant(ctx, owner); err != nil {
			return err
		}
		ledger := s.ledger.InTx(tx)

		state, err := studyState(study)
		if err != nil {
			return err
		}
		created, err := ledger.Append(ctx, audit.AppendInput{
			StudyID:      &study.ID,
			ActorID:      &actorID,
			ActorRole:    models.RoleAdmin.Ptr(),
			ActionType:   models.ActionStudyCreated,
			TargetType:   models.TargetStudy,
			TargetID:     study.ID,
			NewStateHash: state,
			Metadata:     map[string]any{"title": study.Title, "status": study.Status},
		})
		if err != nil {
			return err
		}

		added, err := s.appendMembership(ctx, ledger, owner, models.ActionMemberAdded, actorID, models.RoleAdmin, nil)
		if err != nil {
			return err
		}
		committed = append(committed, created, added)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Notify(ctx, committed...)
	s.logger.Info("study created", zap.String("study_id", study.ID), zap.String("owner_id", actorID))
	return study, nil
}

// GetStudy returns a study visible to any active member.
func (s *Service) GetStudy(ctx context.Context, studyID, actorID string) (*models.Study, error) {
	if _, err := s.authz.Require(ctx, actorID, studyID, permission.RecordRead); err != nil {
		return nil, err
	}
	return s.store.Studies().GetByID(ctx, studyID)
}

// ListStudies returns the studies where actorID holds an active membership.
func (s *Service) ListStudies(ctx context.Context, actorID string) ([]models.Study, error) {
	if actorID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	return s.store.Studies().ListForUser(ctx, actorID)
}

// UpdateStatus moves a study between its soft lifecycle states.
func (s *Service) UpdateStatus(ctx context.Context, studyID string, status models.StudyStatus, actorID string) (*models.Study, error) {
	role, err := s.authz.Require(ctx, actorID, studyID, permission.StudyUpdate)
	if err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, apperr.Validation("unknown study status %q", status)
	}
	return s.updateStudy(ctx, studyID, actorID, role, func(ctx context.Context, tx repository.Store, before *models.Study) (map[string]any, error) {
		if err := tx.Studies().UpdateStatus(ctx, studyID, status, s.timestamp()); err != nil {
			return nil, err
		}
		return map[string]any{"field": "status", "from": before.Status, "to": status}, nil
	})
}

// SetContentSchema replaces or clears (nil) the JSON Schema new record content must satisfy.
func (s *Service) SetContentSchema(ctx context.Context, studyID string, schema *string, actorID string) (*models.Study, error) {
	role, err := s.authz.Require(ctx, actorID, studyID, permission.StudyUpdate)
	if err != nil {
		return nil, err
	}
	if schema != nil {
		trimmed := strings.TrimSpace(*schema)
		if trimmed == "" {
			schema = nil
		} else {
			schema = &trimmed
		}
	}
	if schema != nil && s.validator != nil {
		if err := s.validator.CheckSchema(*schema); err != nil {
			return nil, err
		}
	}
	return s.updateStudy(ctx, studyID, actorID, role, func(ctx context.Context, tx repository.Store, _ *models.Study) (map[string]any, error) {
		if err := tx.Studies().UpdateContentSchema(ctx, studyID, schema, s.timestamp()); err != nil {
			return nil, err
		}
		var schemaHash any
		if schema != nil {
			schemaHash = hashing.HashBytes([]byte(*schema))
		}
		return map[string]any{"field": "content_schema", "schema_hash": schemaHash}, nil
	})
}

// InferContentSchema derives a starting schema from sample content. It stores nothing.
func (s *Service) InferContentSchema(ctx context.Context, studyID string, samples []json.RawMessage, actorID string) (string, error) {
	if _, err := s.authz.Require(ctx, actorID, studyID, permission.StudyUpdate); err != nil {
		return "", err
	}
	if s.inferrer == nil {
		return "", apperr.Validation("schema inference is not enabled")
	}
	return s.inferrer.InferSchema(ctx, samples)
}

type studyMutation func(ctx context.Context, tx repository.Store, before *models.Study) (map[string]any, error)

func (s *Service) updateStudy(ctx context.Context, studyID, actorID string, role models.Role, mutate studyMutation) (*models.Study, error) {
	var (
		after *models.Study
		event *models.AuditEvent
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		before, err := tx.Studies().GetByID(ctx, studyID)
		if err != nil {
			return err
		}
		ledger := s.ledger.InTx(tx)
		prev, err := ledger.PreviousHash(ctx, models.TargetStudy, studyID)
		if err != nil {
			return err
		}
		metadata, err := mutate(ctx, tx, before)
		if err != nil {
			return err
		}
		if after, err = tx.Studies().GetByID(ctx, studyID); err != nil {
			return err
		}
		state, err := studyState(after)
		if err != nil {
			return err
		}
		event, err = ledger.Append(ctx, audit.AppendInput{
			StudyID:           &studyID,
			ActorID:           &actorID,
			ActorRole:         role.Ptr(),
			ActionType:        models.ActionStudyUpdated,
			TargetType:        models.TargetStudy,
			TargetID:          studyID,
			PreviousStateHash: prev,
			NewStateHash:      state,
			Metadata:          metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.ledger.Notify(ctx, event)
	return after, nil
}

func studyState(st *models.Study) (string, error) {
	var schemaHash *string
	if st.ContentSchema != nil {
		h := hashing.HashBytes([]byte(*st.ContentSchema))
		schemaHash = &h
	}
	state, err := hashing.Hash(map[string]any{
		"study_id":            st.ID,
		"title":               st.Title,
		"status":              st.Status,
		"owner_id":            st.OwnerID,
		"content_schema_hash": schemaHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash study state: %w", err)
	}
	return state, nil
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
