package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/uptrace/bun"
)

// BunStore implements Store over a bun.DB or a bun.Tx.
type BunStore struct {
	db   *bun.DB
	conn bun.IDB
	inTx bool
}

// NewBunStore constructs a Store backed by Bun.
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db, conn: db}
}

func (s *BunStore) Studies() StudyRepository { return &BunStudyRepository{db: s.conn} }
func (s *BunStore) Members() MembershipRepository { return &BunMembershipRepository{db: s.conn} }
func (s *BunStore) Records() RecordRepository { return &BunRecordRepository{db: s.conn} }
func (s *BunStore) Documents() DocumentRepository { return &BunDocumentRepository{db: s.conn} }
func (s *BunStore) Signatures() SignatureRepository { return &BunSignatureRepository{db: s.conn} }
func (s *BunStore) Audit() AuditRepository { return &BunAuditRepository{db: s.conn} }
func (s *BunStore) Anchors() AnchorRepository { return &BunAnchorRepository{db: s.conn} }

// RunInTx implements Store.
func (s *BunStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &BunStore{db: s.db, conn: tx, inTx: true})
	})
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "unique constraint") || strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "23505")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}


