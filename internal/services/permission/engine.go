// Package permission resolves a caller's study role and authorizes capabilities.
//
// Roles are read from the membership table on every check. Nothing is cached, so
// a revocation takes effect on the very next call.
package permission

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/repository"
)

//go:embed model.conf
var casbinModelContent string

// Authorizer is the check services run before any mutation.
type Authorizer interface {
	Require(ctx context.Context, userID, studyID string, capability Capability) (models.Role, error)
}

// Engine evaluates the role/capability matrix with casbin over fresh membership reads.
type Engine struct {
	members  repository.MembershipRepository
	enforcer *casbin.SyncedEnforcer
}

// NewEngine builds the enforcer from the embedded model and the static role matrix.
func NewEngine(members repository.MembershipRepository) (*Engine, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	rules := make([][]string, 0, len(Matrix)*len(models.AllRoles))
	for capability, roles := range Matrix {
		for _, role := range roles {
			rules = append(rules, []string{string(role), string(capability)})
		}
	}
	if _, err := enforcer.AddPolicies(rules); err != nil {
		return nil, fmt.Errorf("load capability policies: %w", err)
	}

	return &Engine{members: members, enforcer: enforcer}, nil
}

// RoleOf returns the caller's active role in the study, or "" when none exists.
func (e *Engine) RoleOf(ctx context.Context, userID, studyID string) (models.Role, error) {
	if userID == "" || userID == models.SystemActorID {
		return "", nil
	}
	member, err := e.members.GetActive(ctx, studyID, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("resolve role: %w", err)
	}
	return member.Role, nil
}

// Authorize reports whether the caller's active role holds the capability.
// Unknown users, revoked members and unknown capabilities are denied.
func (e *Engine) Authorize(ctx context.Context, userID, studyID string, capability Capability) (bool, error) {
	role, err := e.RoleOf(ctx, userID, studyID)
	if err != nil || role == "" {
		return false, err
	}
	return e.allows(role, capability)
}

// Require is Authorize that returns the resolved role, or a forbidden/unauthenticated error.
func (e *Engine) Require(ctx context.Context, userID, studyID string, capability Capability) (models.Role, error) {
	if userID == "" {
		return "", apperr.ErrUnauthenticated
	}
	if !capability.Valid() {
		return "", apperr.Forbidden(string(capability))
	}
	role, err := e.RoleOf(ctx, userID, studyID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return "", apperr.Forbidden(string(capability))
	}
	ok, err := e.allows(role, capability)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Forbidden(string(capability))
	}
	return role, nil
}

// RolesFor lists the roles holding a capability.
func (e *Engine) RolesFor(capability Capability) []models.Role {
	var roles []models.Role
	for _, role := range models.AllRoles {
		if ok, _ := e.allows(role, capability); ok {
			roles = append(roles, role)
		}
	}
	return roles
}

func (e *Engine) allows(role models.Role, capability Capability) (bool, error) {
	if !capability.Valid() {
		return false, nil
	}
	ok, err := e.enforcer.Enforce(string(role), string(capability))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	return ok, nil
}
