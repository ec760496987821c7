package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SignatureIntent states what a signer attests to.
type SignatureIntent string

const (
	IntentReview    SignatureIntent = "review"
	IntentApproval  SignatureIntent = "approval"
	IntentAmendment SignatureIntent = "amendment"
	IntentRejection SignatureIntent = "rejection"
)

// Valid reports whether i is a known intent.
func (i SignatureIntent) Valid() bool {
	switch i {
	case IntentReview, IntentApproval, IntentAmendment, IntentRejection:
		return true
	}
	return false
}

// Signature is an immutable electronic signature over one record version.
type Signature struct {
	bun.BaseModel `bun:"table:signatures,alias:sg"`

	ID            string          `bun:"id,pk,type:uuid" json:"id"`
	RecordID      string          `bun:"record_id,notnull,type:uuid" json:"record_id"`
	RecordVersion int             `bun:"record_version,notnull" json:"record_version"`
	SignerID      string          `bun:"signer_id,notnull" json:"signer_id"`
	Intent        SignatureIntent `bun:"intent,notnull" json:"intent"`
	SignatureHash string          `bun:"signature_hash,notnull" json:"signature_hash"`
	SignedAt      time.Time       `bun:"signed_at,notnull" json:"signed_at"`
	IPAddress     *string         `bun:"ip_address" json:"ip_address"`
	UserAgent     *string         `bun:"user_agent" json:"user_agent"`
}

// BlockchainAnchor records the notarization of one approved record version.
// TransactionHash and BlockNumber stay nil when notarization degraded to soft-null.
type BlockchainAnchor struct {
	bun.BaseModel `bun:"table:blockchain_anchors,alias:ba"`

	ID              string    `bun:"id,pk,type:uuid" json:"id"`
	RecordID        string    `bun:"record_id,notnull,type:uuid" json:"record_id"`
	RecordVersion   int       `bun:"record_version,notnull" json:"record_version"`
	ContentHash     string    `bun:"content_hash,notnull" json:"content_hash"`
	Network         string    `bun:"network,notnull" json:"network"`
	TransactionHash *string   `bun:"transaction_hash" json:"transaction_hash"`
	BlockNumber     *int64    `bun:"block_number" json:"block_number"`
	AnchoredAt      time.Time `bun:"anchored_at,notnull" json:"anchored_at"`
}

// Notarized reports whether an external reference was obtained.
func (a *BlockchainAnchor) Notarized() bool {
	return a != nil && a.TransactionHash != nil
}
