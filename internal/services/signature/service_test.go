package signature_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/dbtest"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/services/records"
	"github.com/Levelup666/AuditWiz/internal/services/signature"
)

const (
	creator  = "alice"
	reviewer = "rita"
	approver = "april"
	proof    = "fresh-proof"
)

type reauthMock struct {
	mock.Mock
}

func (m *reauthMock) VerifyReauth(ctx context.Context, proof, signerID string) error {
	return m.Called(ctx, proof, signerID).Error(0)
}

type fixture struct {
	store   repository.Store
	ledger  *audit.Ledger
	records *records.Service
	sigs    *signature.Service
	reauth  *reauthMock
	study   *models.Study
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewBunStore(dbtest.Open(t))
	engine, err := permission.NewEngine(store.Members())
	require.NoError(t, err)
	ledger := audit.NewLedger(store)
	recs := records.NewService(store, engine, ledger)

	reauth := new(reauthMock)
	reauth.On("VerifyReauth", mock.Anything, proof, mock.Anything).Return(nil)
	reauth.On("VerifyReauth", mock.Anything, "stale-proof", mock.Anything).Return(errors.New("proof expired"))

	study := dbtest.SeedStudy(t, store, "owner")
	dbtest.Grant(t, store, study.ID, creator, models.RoleCreator)
	dbtest.Grant(t, store, study.ID, reviewer, models.RoleReviewer)
	dbtest.Grant(t, store, study.ID, approver, models.RoleApprover)

	return &fixture{
		store:   store,
		ledger:  ledger,
		records: recs,
		sigs:    signature.NewService(store, engine, ledger, recs, reauth),
		reauth:  reauth,
		study:   study,
	}
}

func (f *fixture) submittedRecord(t *testing.T, number string) *models.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := f.records.CreateRecord(ctx, f.study.ID, number, []byte(`{"ph":7}`), creator)
	require.NoError(t, err)
	rec, err = f.records.TransitionStatus(ctx, rec.ID, models.RecordStatusSubmitted, nil, creator)
	require.NoError(t, err)
	return rec
}

func TestSign_RejectAmendApproveLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v1, err := f.records.CreateRecord(ctx, f.study.ID, "R-100", []byte(`{"consent":false}`), creator)
	require.NoError(t, err)
	_, err = f.records.TransitionStatus(ctx, v1.ID, models.RecordStatusSubmitted, nil, creator)
	require.NoError(t, err)
	reason := "missing consent form"
	_, err = f.records.TransitionStatus(ctx, v1.ID, models.RecordStatusRejected, &reason, reviewer)
	require.NoError(t, err)

	v2, err := f.records.AmendRecord(ctx, v1.ID, []byte(`{"consent":true}`), "attached consent form", creator)
	require.NoError(t, err)
	require.Equal(t, models.RecordStatusDraft, v2.Status)
	_, err = f.records.TransitionStatus(ctx, v2.ID, models.RecordStatusSubmitted, nil, creator)
	require.NoError(t, err)

	result, err := f.sigs.Sign(ctx, signature.SignInput{
		RecordID:      v2.ID,
		RecordVersion: 2,
		SignerID:      approver,
		Intent:        models.IntentApproval,
		ReauthProof:   proof,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Record)
	assert.Equal(t, models.RecordStatusApproved, result.Record.Status)

	stored, err := f.store.Records().GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusRejected, stored.Status, "earlier version keeps its status")

	trail, err := f.ledger.ReadTrail(ctx, models.TargetRecord, v1.ID, 0)
	require.NoError(t, err)
	var actions []models.AuditActionType
	for i := len(trail) - 1; i >= 0; i-- {
		actions = append(actions, trail[i].ActionType)
	}
	assert.Equal(t, []models.AuditActionType{
		models.ActionRecordCreated,
		models.ActionRecordSubmitted,
		models.ActionRecordRejected,
		models.ActionRecordSubmitted,
		models.ActionRecordApproved,
	}, actions)

	for i := 0; i+1 < len(trail); i++ {
		require.NotNil(t, trail[i].PreviousStateHash)
		assert.Equal(t, trail[i+1].NewStateHash, *trail[i].PreviousStateHash)
	}
	assert.Empty(t, audit.VerifyChain(trail))

	sigTrail, err := f.ledger.ReadTrail(ctx, models.TargetSignature, result.Signature.ID, 0)
	require.NoError(t, err)
	require.Len(t, sigTrail, 1)
	assert.Equal(t, models.ActionSignatureAdded, sigTrail[0].ActionType)
	assert.True(t, signature.VerifyStored(result.Signature))
}

func TestSign_ApprovalRollsBackWhenRecordIneligible(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	draft, err := f.records.CreateRecord(ctx, f.study.ID, "R-200", []byte(`{}`), creator)
	require.NoError(t, err)

	_, err = f.sigs.Sign(ctx, signature.SignInput{
		RecordID:      draft.ID,
		RecordVersion: 1,
		SignerID:      approver,
		Intent:        models.IntentApproval,
		ReauthProof:   proof,
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	sigs, err := f.store.Signatures().ListByRecord(ctx, draft.ID)
	require.NoError(t, err)
	assert.Empty(t, sigs, "no dangling approval signature")

	all, err := f.ledger.ReadAll(ctx, &f.study.ID, 0)
	require.NoError(t, err)
	for _, e := range all {
		assert.NotEqual(t, models.ActionSignatureAdded, e.ActionType)
	}

	stored, err := f.store.Records().GetByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusDraft, stored.Status)
}

func TestSign_Preconditions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.submittedRecord(t, "R-300")

	amendedFrom := f.submittedRecord(t, "R-301")
	_, err := f.records.AmendRecord(ctx, amendedFrom.ID, []byte(`{"ph":8}`), "recalibrated", creator)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   signature.SignInput
		want error
	}{
		{"missing proof", signature.SignInput{RecordID: rec.ID, RecordVersion: 1, SignerID: approver, Intent: models.IntentApproval}, apperr.ErrReauthRequired},
		{"rejected proof", signature.SignInput{RecordID: rec.ID, RecordVersion: 1, SignerID: approver, Intent: models.IntentApproval, ReauthProof: "stale-proof"}, apperr.ErrReauthRequired},
		{"reviewer cannot approve", signature.SignInput{RecordID: rec.ID, RecordVersion: 1, SignerID: reviewer, Intent: models.IntentApproval, ReauthProof: proof}, apperr.ErrForbidden},
		{"creator cannot review", signature.SignInput{RecordID: rec.ID, RecordVersion: 1, SignerID: creator, Intent: models.IntentReview, ReauthProof: proof}, apperr.ErrForbidden},
		{"unknown intent", signature.SignInput{RecordID: rec.ID, RecordVersion: 1, SignerID: approver, Intent: "witness", ReauthProof: proof}, apperr.ErrValidationFailed},
		{"version mismatch", signature.SignInput{RecordID: rec.ID, RecordVersion: 2, SignerID: approver, Intent: models.IntentApproval, ReauthProof: proof}, apperr.ErrValidationFailed},
		{"superseded version", signature.SignInput{RecordID: amendedFrom.ID, RecordVersion: 1, SignerID: approver, Intent: models.IntentApproval, ReauthProof: proof}, apperr.ErrConflict},
		{"missing record", signature.SignInput{RecordID: "nope", RecordVersion: 1, SignerID: approver, Intent: models.IntentApproval, ReauthProof: proof}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sigs.Sign(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	stored, err := f.store.Records().GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusSubmitted, stored.Status)
}

func TestSign_ReviewLeavesStatusAlone(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.submittedRecord(t, "R-400")

	result, err := f.sigs.Sign(ctx, signature.SignInput{
		RecordID:      rec.ID,
		RecordVersion: 1,
		SignerID:      reviewer,
		Intent:        models.IntentReview,
		ReauthProof:   proof,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Record)

	sigs, err := f.sigs.ListSignatures(ctx, rec.ID, creator)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.IntentReview, sigs[0].Intent)

	stored, err := f.store.Records().GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusSubmitted, stored.Status)
	f.reauth.AssertCalled(t, "VerifyReauth", mock.Anything, proof, reviewer)
}

func TestVerify(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.submittedRecord(t, "R-500")

	signedAt := time.Date(2026, 4, 1, 9, 30, 0, 123456789, time.UTC)
	f.sigs.WithClock(func() time.Time { return signedAt })
	result, err := f.sigs.Sign(ctx, signature.SignInput{
		RecordID: rec.ID, RecordVersion: 1, SignerID: reviewer, Intent: models.IntentReview, ReauthProof: proof,
	})
	require.NoError(t, err)
	sig := result.Signature
	assert.Equal(t, signedAt.Truncate(time.Millisecond), sig.SignedAt)

	assert.True(t, signature.Verify(sig.SignatureHash, rec.ID, 1, reviewer, models.IntentReview, sig.SignedAt))
	assert.False(t, signature.Verify(sig.SignatureHash, rec.ID, 1, reviewer, models.IntentApproval, sig.SignedAt))
	assert.False(t, signature.Verify(sig.SignatureHash, rec.ID, 1, approver, models.IntentReview, sig.SignedAt))
	assert.False(t, signature.Verify(sig.SignatureHash, rec.ID, 1, reviewer, models.IntentReview, sig.SignedAt.Add(time.Millisecond)))
	assert.False(t, signature.Verify(sig.SignatureHash, rec.ID, 2, reviewer, models.IntentReview, sig.SignedAt))

	stored, err := f.store.Signatures().GetByID(ctx, sig.ID)
	require.NoError(t, err)
	assert.True(t, signature.VerifyStored(stored))
}
