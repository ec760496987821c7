package permission

import "github.com/Levelup666/AuditWiz/internal/db/models"

// Capability is an operation class checked against a caller's study role.
// Values follow the resource:verb convention.
type Capability string

const (
	RecordCreate  Capability = "record:create"
	RecordAmend   Capability = "record:amend"
	RecordSubmit  Capability = "record:submit"
	RecordReview  Capability = "record:review"
	RecordApprove Capability = "record:approve"
	RecordReject  Capability = "record:reject"
	RecordAnchor  Capability = "record:anchor"
	RecordRead    Capability = "record:read"

	DocumentUpload Capability = "document:upload"
	DocumentRead   Capability = "document:read"

	StudyManageMembers Capability = "study:manage-members"
	StudyUpdate        Capability = "study:update"

	AuditRead   Capability = "audit:read"
	AuditExport Capability = "audit:export"

	SystemAction Capability = "system:action"
)

var (
	editors   = []models.Role{models.RoleCreator, models.RoleAdmin}
	reviewers = []models.Role{models.RoleReviewer, models.RoleApprover, models.RoleAuditor, models.RoleAdmin}
	approvers = []models.Role{models.RoleApprover, models.RoleAdmin}
	admins    = []models.Role{models.RoleAdmin}
	everyone  = models.AllRoles
)

// Matrix maps each capability to the roles that hold it.
var Matrix = map[Capability][]models.Role{
	RecordCreate:       editors,
	RecordAmend:        editors,
	RecordSubmit:       editors,
	RecordReview:       reviewers,
	RecordApprove:      approvers,
	RecordReject:       reviewers,
	RecordAnchor:       approvers,
	RecordRead:         everyone,
	DocumentUpload:     editors,
	DocumentRead:       everyone,
	StudyManageMembers: admins,
	StudyUpdate:        admins,
	AuditRead:          everyone,
	AuditExport:        {models.RoleAuditor, models.RoleAdmin},
	SystemAction:       admins,
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	_, ok := Matrix[c]
	return ok
}
