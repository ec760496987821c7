package studies

import (
	"context"
	"fmt"
	"strings"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/hashing"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
)

// MemberTarget is the ledger target id of a (study, user) membership.
func MemberTarget(studyID, userID string) string {
	return studyID + ":" + userID
}

// AddMember grants userID a role. A user holds at most one active membership per study.
func (s *Service) AddMember(ctx context.Context, studyID, userID string, role models.Role, actorID string) (*models.StudyMember, error) {
	actorRole, err := s.authz.Require(ctx, actorID, studyID, permission.StudyManageMembers)
	if err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if userID == models.SystemActorID {
		return nil, apperr.Validation("the system actor cannot hold a membership")
	}
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}

	member := &models.StudyMember{
		ID:        bunx.NewUUIDv7(),
		StudyID:   studyID,
		UserID:    userID,
		Role:      role,
		GrantedBy: actorID,
		GrantedAt: s.timestamp(),
	}
	var event *models.AuditEvent
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if err := tx.Members().Grant(ctx, member); err != nil {
			return err
		}
		event, err = s.appendMembership(ctx, s.ledger.InTx(tx), member, models.ActionMemberAdded, actorID, actorRole, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.ledger.Notify(ctx, event)
	return member, nil
}

// RevokeMember ends userID's active membership. History rows are kept.
func (s *Service) RevokeMember(ctx context.Context, studyID, userID, actorID string) (*models.StudyMember, error) {
	actorRole, err := s.authz.Require(ctx, actorID, studyID, permission.StudyManageMembers)
	if err != nil {
		return nil, err
	}

	var (
		revoked *models.StudyMember
		event   *models.AuditEvent
	)
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if revoked, err = tx.Members().Revoke(ctx, studyID, userID, s.timestamp()); err != nil {
			return err
		}
		event, err = s.appendMembership(ctx, s.ledger.InTx(tx), revoked, models.ActionMemberRemoved, actorID, actorRole, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.ledger.Notify(ctx, event)
	return revoked, nil
}

// ChangeRole revokes the active membership and grants the new role in one transaction.
func (s *Service) ChangeRole(ctx context.Context, studyID, userID string, role models.Role, actorID string) (*models.StudyMember, error) {
	actorRole, err := s.authz.Require(ctx, actorID, studyID, permission.StudyManageMembers)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}

	var (
		granted *models.StudyMember
		event   *models.AuditEvent
	)
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		now := s.timestamp()
		previous, err := tx.Members().Revoke(ctx, studyID, userID, now)
		if err != nil {
			return err
		}
		if previous.Role == role {
			return apperr.Validation("user already holds role %s", role)
		}
		granted = &models.StudyMember{
			ID:        bunx.NewUUIDv7(),
			StudyID:   studyID,
			UserID:    userID,
			Role:      role,
			GrantedBy: actorID,
			GrantedAt: now,
		}
		if err := tx.Members().Grant(ctx, granted); err != nil {
			return err
		}
		event, err = s.appendMembership(ctx, s.ledger.InTx(tx), granted, models.ActionMemberRoleChanged, actorID, actorRole, map[string]any{
			"from_role":             previous.Role,
			"revoked_membership_id": previous.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.ledger.Notify(ctx, event)
	return granted, nil
}

// ListMembers returns active memberships, newest grant first.
func (s *Service) ListMembers(ctx context.Context, studyID, actorID string) ([]models.StudyMember, error) {
	if _, err := s.authz.Require(ctx, actorID, studyID, permission.RecordRead); err != nil {
		return nil, err
	}
	return s.store.Members().ListActive(ctx, studyID)
}

// MemberHistory returns every grant of userID in the study, oldest first.
func (s *Service) MemberHistory(ctx context.Context, studyID, userID, actorID string) ([]models.StudyMember, error) {
	if _, err := s.authz.Require(ctx, actorID, studyID, permission.AuditRead); err != nil {
		return nil, err
	}
	return s.store.Members().ListHistory(ctx, studyID, userID)
}

func (s *Service) appendMembership(ctx context.Context, ledger *audit.Ledger, m *models.StudyMember, action models.AuditActionType, actorID string, actorRole models.Role, extra map[string]any) (*models.AuditEvent, error) {
	target := MemberTarget(m.StudyID, m.UserID)
	prev, err := ledger.PreviousHash(ctx, models.TargetStudyMember, target)
	if err != nil {
		return nil, err
	}
	state, err := hashing.Hash(map[string]any{
		"membership_id": m.ID,
		"study_id":      m.StudyID,
		"user_id":       m.UserID,
		"role":          m.Role,
		"active":        m.Active(),
	})
	if err != nil {
		return nil, fmt.Errorf("hash membership state: %w", err)
	}
	metadata := map[string]any{
		"membership_id": m.ID,
		"user_id":       m.UserID,
		"role":          m.Role,
	}
	for k, v := range extra {
		metadata[k] = v
	}
	return ledger.Append(ctx, audit.AppendInput{
		StudyID:           &m.StudyID,
		ActorID:           &actorID,
		ActorRole:         actorRole.Ptr(),
		ActionType:        action,
		TargetType:        models.TargetStudyMember,
		TargetID:          target,
		PreviousStateHash: prev,
		NewStateHash:      state,
		Metadata:          metadata,
	})
}
