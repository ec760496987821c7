package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
)

// BunMembershipRepository persists study memberships using Bun ORM.
type BunMembershipRepository struct {
	db bun.IDB
}

// Grant inserts a new active membership. The partial unique index rejects a
// second active membership for the same (study, user).
func (r *BunMembershipRepository) Grant(ctx context.Context, member *models.StudyMember) error {
	if !member.Role.Valid() {
		return apperr.Validation("unknown role %q", member.Role)
	}
	if _, err := r.db.NewInsert().Model(member).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("study_member", member.StudyID+":"+member.UserID, "active membership already exists")
		}
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// Revoke stamps revoked_at on the active membership and returns it.
func (r *BunMembershipRepository) Revoke(ctx context.Context, studyID, userID string, at time.Time) (*models.StudyMember, error) {
	active, err := r.GetActive(ctx, studyID, userID)
	if err != nil {
		return nil, err
	}

	result, err := r.db.NewUpdate().
		Model((*models.StudyMember)(nil)).
		Set("revoked_at = ?", at).
		Where("id = ?", active.ID).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("revoke membership: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, apperr.Conflict("study_member", studyID+":"+userID, "membership was revoked concurrently")
	}

	active.RevokedAt = &at
	return active, nil
}

// GetActive returns the non-revoked membership for (study, user).
func (r *BunMembershipRepository) GetActive(ctx context.Context, studyID, userID string) (*models.StudyMember, error) {
	member := new(models.StudyMember)
	err := r.db.NewSelect().
		Model(member).
		Where("study_id = ?", studyID).
		Where("user_id = ?", userID).
		Where("revoked_at IS NULL").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("study_member", studyID+":"+userID)
		}
		return nil, fmt.Errorf("query membership: %w", err)
	}
	return member, nil
}

// ListActive returns active memberships of a study, newest grant first.
func (r *BunMembershipRepository) ListActive(ctx context.Context, studyID string) ([]models.StudyMember, error) {
	members := []models.StudyMember{}
	err := r.db.NewSelect().
		Model(&members).
		Where("study_id = ?", studyID).
		Where("revoked_at IS NULL").
		Order("granted_at DESC", "id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return members, nil
}

// ListHistory returns every grant for (study, user), oldest first.
func (r *BunMembershipRepository) ListHistory(ctx context.Context, studyID, userID string) ([]models.StudyMember, error) {
	members := []models.StudyMember{}
	err := r.db.NewSelect().
		Model(&members).
		Where("study_id = ?", studyID).
		Where("user_id = ?", userID).
		Order("granted_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list membership history: %w", err)
	}
	return members, nil
}
