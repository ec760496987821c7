package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// StudyStatus is the soft lifecycle state of a study. Studies are never hard-deleted.
type StudyStatus string

const (
	StudyStatusDraft     StudyStatus = "draft"
	StudyStatusActive    StudyStatus = "active"
	StudyStatusCompleted StudyStatus = "completed"
	StudyStatusArchived  StudyStatus = "archived"
)

// Valid reports whether s is a known study status.
func (s StudyStatus) Valid() bool {
	switch s {
	case StudyStatusDraft, StudyStatusActive, StudyStatusCompleted, StudyStatusArchived:
		return true
	}
	return false
}

// Role is a study-scoped membership role.
type Role string

const (
	RoleCreator  Role = "creator"
	RoleReviewer Role = "reviewer"
	RoleApprover Role = "approver"
	RoleAuditor  Role = "auditor"
	RoleAdmin    Role = "admin"
)

// AllRoles lists roles in privilege-neutral order.
var AllRoles = []Role{RoleCreator, RoleReviewer, RoleApprover, RoleAuditor, RoleAdmin}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// Ptr returns r as a nullable column value; the empty role becomes nil.
func (r Role) Ptr() *string {
	if r == "" {
		return nil
	}
	v := string(r)
	return &v
}

// Study groups records and memberships.
type Study struct {
	bun.BaseModel `bun:"table:studies,alias:st"`

	ID            string      `bun:"id,pk,type:uuid" json:"id"`
	Title         string      `bun:"title,notnull" json:"title"`
	Description   string      `bun:"description" json:"description"`
	Status        StudyStatus `bun:"status,notnull" json:"status"`
	OwnerID       string      `bun:"owner_id,notnull" json:"owner_id"`
	ContentSchema *string     `bun:"content_schema" json:"content_schema"` // optional JSON Schema for record content
	CreatedAt     time.Time   `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time   `bun:"updated_at,notnull" json:"updated_at"`
}

// ValidateForCreate verifies the study is well formed before insertion.
func (s *Study) ValidateForCreate() error {
	if _, err := uuid.Parse(s.ID); err != nil {
		return errors.New("id must be a valid UUID")
	}
	if s.Title == "" {
		return errors.New("title is required")
	}
	if len(s.Title) > 512 {
		return errors.New("title exceeds maximum length")
	}
	if !s.Status.Valid() {
		return errors.New("status is not a known study status")
	}
	if s.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	return nil
}

// StudyMember binds a user to a role within a study. Rows are never updated in
// place except to set RevokedAt; a role change is a revoke followed by a new grant.
type StudyMember struct {
	bun.BaseModel `bun:"table:study_members,alias:sm"`

	ID        string     `bun:"id,pk,type:uuid" json:"id"`
	StudyID   string     `bun:"study_id,notnull,type:uuid" json:"study_id"`
	UserID    string     `bun:"user_id,notnull" json:"user_id"`
	Role      Role       `bun:"role,notnull" json:"role"`
	GrantedBy string     `bun:"granted_by,notnull" json:"granted_by"`
	GrantedAt time.Time  `bun:"granted_at,notnull" json:"granted_at"`
	RevokedAt *time.Time `bun:"revoked_at" json:"revoked_at"`
}

// Active reports whether the membership has not been revoked.
func (m *StudyMember) Active() bool {
	return m != nil && m.RevokedAt == nil
}
