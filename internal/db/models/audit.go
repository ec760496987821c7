package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SystemActorID is the reserved identity recorded for automated and AI actions.
const SystemActorID = "00000000-0000-0000-0000-000000000000"

// AuditActionType is the closed set of ledger action types.
type AuditActionType string

const (
	ActionStudyCreated       AuditActionType = "study_created"
	ActionStudyUpdated       AuditActionType = "study_updated"
	ActionMemberAdded        AuditActionType = "member_added"
	ActionMemberRemoved      AuditActionType = "member_removed"
	ActionMemberRoleChanged  AuditActionType = "member_role_changed"
	ActionRecordCreated      AuditActionType = "record_created"
	ActionRecordSubmitted    AuditActionType = "record_submitted"
	ActionRecordAmended      AuditActionType = "record_amended"
	ActionRecordRejected     AuditActionType = "record_rejected"
	ActionRecordApproved     AuditActionType = "record_approved"
	ActionDocumentUploaded   AuditActionType = "document_uploaded"
	ActionSignatureAdded     AuditActionType = "signature_added"
	ActionAIAction           AuditActionType = "ai_action"
	ActionSystemAction       AuditActionType = "system_action"
	ActionBlockchainAnchored AuditActionType = "blockchain_anchored"
)

var knownActions = map[AuditActionType]struct{}{
	ActionStudyCreated: {}, ActionStudyUpdated: {}, ActionMemberAdded: {}, ActionMemberRemoved: {},
	ActionMemberRoleChanged: {}, ActionRecordCreated: {}, ActionRecordSubmitted: {}, ActionRecordAmended: {},
	ActionRecordRejected: {}, ActionRecordApproved: {}, ActionDocumentUploaded: {}, ActionSignatureAdded: {},
	ActionAIAction: {}, ActionSystemAction: {}, ActionBlockchainAnchored: {},
}

// Valid reports whether a is in the closed enumeration.
func (a AuditActionType) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Audit target entity types.
const (
	TargetStudy         = "study"
	TargetStudyMember   = "study_member"
	TargetRecord        = "record"
	TargetRecordVersion = "record_version"
	TargetDocument      = "document"
	TargetSignature     = "signature"
	TargetAnchor        = "blockchain_anchor"
)

// AuditEvent is one append-only ledger entry. Sequence is the 1-based position of
// the event within its (TargetEntityType, TargetEntityID) chain and EventHash covers
// every other semantic field.
type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events,alias:ae"`

	ID                string          `bun:"id,pk,type:uuid" json:"id"`
	EventID           string          `bun:"event_id,notnull,unique,type:uuid" json:"event_id"`
	StudyID           *string         `bun:"study_id,type:uuid" json:"study_id"`
	ActorID           *string         `bun:"actor_id" json:"actor_id"`
	ActorRoleAtTime   *string         `bun:"actor_role_at_time" json:"actor_role_at_time"`
	ActionType        AuditActionType `bun:"action_type,notnull" json:"action_type"`
	TargetEntityType  string          `bun:"target_entity_type,notnull" json:"target_entity_type"`
	TargetEntityID    string          `bun:"target_entity_id,notnull" json:"target_entity_id"`
	Sequence          int64           `bun:"sequence,notnull" json:"sequence"`
	PreviousStateHash *string         `bun:"previous_state_hash" json:"previous_state_hash"`
	NewStateHash      string          `bun:"new_state_hash,notnull" json:"new_state_hash"`
	EventHash         string          `bun:"event_hash,notnull" json:"event_hash"`
	Timestamp         time.Time       `bun:"timestamp,notnull" json:"timestamp"`
	Metadata          JSONMap         `bun:"metadata,type:jsonb,notnull" json:"metadata"`
}

// IsSystem reports whether the event was recorded for the reserved system actor.
func (e *AuditEvent) IsSystem() bool {
	if e.ActorID != nil && *e.ActorID == SystemActorID {
		return true
	}
	flag, _ := e.Metadata["is_system_action"].(bool)
	return flag
}
