package anchor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/dbtest"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/notary"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/anchor"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/services/records"
	"github.com/Levelup666/AuditWiz/internal/services/signature"
)

const (
	creator  = "alice"
	approver = "april"
)

type notarizerMock struct {
	mock.Mock
}

func (m *notarizerMock) Name() string { return "mocknet" }

func (m *notarizerMock) Submit(ctx context.Context, hash []byte) (string, error) {
	args := m.Called(ctx, hash)
	return args.String(0), args.Error(1)
}

func (m *notarizerMock) AwaitConfirmation(ctx context.Context, ref string) (*notary.Receipt, error) {
	args := m.Called(ctx, ref)
	receipt, _ := args.Get(0).(*notary.Receipt)
	return receipt, args.Error(1)
}

type allowReauth struct{}

func (allowReauth) VerifyReauth(context.Context, string, string) error { return nil }

type fixture struct {
	store   repository.Store
	ledger  *audit.Ledger
	engine  *permission.Engine
	records *records.Service
	sigs    *signature.Service
	study   *models.Study
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewBunStore(dbtest.Open(t))
	engine, err := permission.NewEngine(store.Members())
	require.NoError(t, err)
	ledger := audit.NewLedger(store)
	recs := records.NewService(store, engine, ledger)

	study := dbtest.SeedStudy(t, store, "owner")
	dbtest.Grant(t, store, study.ID, creator, models.RoleCreator)
	dbtest.Grant(t, store, study.ID, approver, models.RoleApprover)

	return &fixture{
		store:   store,
		ledger:  ledger,
		engine:  engine,
		records: recs,
		sigs:    signature.NewService(store, engine, ledger, recs, allowReauth{}),
		study:   study,
	}
}

func (f *fixture) service(t *testing.T, n notary.Notarizer) *anchor.Service {
	t.Helper()
	svc, err := anchor.NewService(f.store, f.engine, f.ledger, n)
	require.NoError(t, err)
	return svc
}

func (f *fixture) draft(t *testing.T, number string) *models.Record {
	t.Helper()
	rec, err := f.records.CreateRecord(context.Background(), f.study.ID, number, []byte(`{"assay":"elisa"}`), creator)
	require.NoError(t, err)
	return rec
}

func (f *fixture) approve(t *testing.T, rec *models.Record) *models.Record {
	t.Helper()
	ctx := context.Background()
	_, err := f.records.TransitionStatus(ctx, rec.ID, models.RecordStatusSubmitted, nil, creator)
	require.NoError(t, err)
	result, err := f.sigs.Sign(ctx, signature.SignInput{
		RecordID: rec.ID, RecordVersion: rec.Version, SignerID: approver, Intent: models.IntentApproval, ReauthProof: "ok",
	})
	require.NoError(t, err)
	return result.Record
}

func TestAnchor_RequiresApprovalAndIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	n := new(notarizerMock)
	n.On("Submit", mock.Anything, mock.Anything).Return("0xfeed", nil)
	block := int64(7)
	n.On("AwaitConfirmation", mock.Anything, "0xfeed").Return(&notary.Receipt{TxHash: "0xfeed", BlockNumber: &block, Metadata: map[string]any{"chain_id": "1"}}, nil)
	svc := f.service(t, n)

	rec := f.draft(t, "R-1")
	_, err := svc.Anchor(ctx, anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	n.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	approved := f.approve(t, rec)
	require.Equal(t, models.RecordStatusApproved, approved.Status)

	got, err := svc.Anchor(ctx, anchor.Input{RecordID: rec.ID, RecordVersion: 1, ContentHash: rec.ContentHash, ActorID: approver})
	require.NoError(t, err)
	require.NotNil(t, got.TransactionHash)
	assert.Equal(t, "0xfeed", *got.TransactionHash)
	assert.EqualValues(t, 7, *got.BlockNumber)
	assert.Equal(t, "mocknet", got.Network)
	n.AssertCalled(t, "Submit", mock.Anything, anchor.HashBytes(rec.ContentHash))

	_, err = svc.Anchor(ctx, anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	n.AssertNumberOfCalls(t, "Submit", 1)

	trail, err := f.ledger.ReadTrail(ctx, models.TargetAnchor, got.ID, 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, models.ActionBlockchainAnchored, trail[0].ActionType)
	assert.Equal(t, "0xfeed", trail[0].Metadata["transaction_hash"])
	assert.Equal(t, anchor.OutcomeNotarized, trail[0].Metadata["outcome"])

	status, err := svc.CheckStatus(ctx, rec.ID, creator)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, got.ID, status.ID)
}

func TestAnchor_Preconditions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	svc := f.service(t, new(notarizerMock))
	rec := f.approve(t, f.draft(t, "R-2"))

	tests := []struct {
		name string
		in   anchor.Input
		want error
	}{
		{"missing record", anchor.Input{RecordID: "nope", RecordVersion: 1, ActorID: approver}, apperr.ErrNotFound},
		{"wrong version", anchor.Input{RecordID: rec.ID, RecordVersion: 2, ActorID: approver}, apperr.ErrValidationFailed},
		{"creator cannot anchor", anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: creator}, apperr.ErrForbidden},
		{"content hash mismatch", anchor.Input{RecordID: rec.ID, RecordVersion: 1, ContentHash: "00", ActorID: approver}, apperr.ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Anchor(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAnchor_SoftNull(t *testing.T) {
	ctx := context.Background()

	t.Run("network failure", func(t *testing.T) {
		f := setup(t)
		n := new(notarizerMock)
		n.On("Submit", mock.Anything, mock.Anything).Return("", errors.New("connection refused"))
		rec := f.approve(t, f.draft(t, "R-3"))

		got, err := f.service(t, n).Anchor(ctx, anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
		require.NoError(t, err)
		assert.Nil(t, got.TransactionHash)
		assert.Nil(t, got.BlockNumber)
		assert.False(t, got.Notarized())

		trail, err := f.ledger.ReadTrail(ctx, models.TargetAnchor, got.ID, 0)
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, anchor.OutcomeSoftNull, trail[0].Metadata["outcome"])
	})

	t.Run("unconfirmed keeps the reference", func(t *testing.T) {
		f := setup(t)
		n := new(notarizerMock)
		n.On("Submit", mock.Anything, mock.Anything).Return("0xbeef", nil)
		n.On("AwaitConfirmation", mock.Anything, "0xbeef").Return(nil, context.DeadlineExceeded)
		rec := f.approve(t, f.draft(t, "R-4"))

		got, err := f.service(t, n).Anchor(ctx, anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
		require.NoError(t, err)
		require.NotNil(t, got.TransactionHash)
		assert.Equal(t, "0xbeef", *got.TransactionHash)
		assert.Nil(t, got.BlockNumber)
	})

	t.Run("no notarizer configured", func(t *testing.T) {
		f := setup(t)
		rec := f.approve(t, f.draft(t, "R-5"))

		got, err := f.service(t, nil).Anchor(ctx, anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
		require.NoError(t, err)
		assert.Equal(t, "none", got.Network)
		assert.Nil(t, got.TransactionHash)
	})
}

func TestAnchor_CancelledCallerWritesNothing(t *testing.T) {
	f := setup(t)
	rec := f.approve(t, f.draft(t, "R-6"))

	ctx, cancel := context.WithCancel(context.Background())
	n := new(notarizerMock)
	n.On("Submit", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return("", context.Canceled)

	_, err := f.service(t, n).Anchor(ctx, anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.store.Anchors().GetByRecordVersion(context.Background(), rec.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	events, err := f.ledger.ReadAll(context.Background(), &f.study.ID, 0)
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEqual(t, models.ActionBlockchainAnchored, e.ActionType)
	}
}

func TestCheckStatus_NotAnchored(t *testing.T) {
	f := setup(t)
	rec := f.draft(t, "R-7")

	got, err := f.service(t, nil).CheckStatus(context.Background(), rec.ID, creator)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHashBytes(t *testing.T) {
	hexHash := "cdab067e9f3beb32d1252cfd63e492592fecbf591b0d08cadb24bb17f3864246"
	b := anchor.HashBytes(hexHash)
	require.Len(t, b, 32)
	assert.Equal(t, byte(0xcd), b[0])

	short := anchor.HashBytes("abc")
	require.Len(t, short, 32)
	assert.Equal(t, []byte("abc"), short[29:])
	assert.Equal(t, byte(0), short[0])
}

// gateNotarizer holds every Submit until want callers are inside it, so
// concurrent anchor calls all pass the existing-anchor check first.
type gateNotarizer struct {
	want    int
	mu      sync.Mutex
	entered int
	calls   int
	open    chan struct{}
}

func newGateNotarizer(want int) *gateNotarizer {
	return &gateNotarizer{want: want, open: make(chan struct{})}
}

func (g *gateNotarizer) Name() string { return "gatenet" }

func (g *gateNotarizer) Submit(ctx context.Context, _ []byte) (string, error) {
	g.mu.Lock()
	g.calls++
	g.entered++
	if g.entered == g.want {
		close(g.open)
	}
	g.mu.Unlock()

	select {
	case <-g.open:
	case <-time.After(5 * time.Second):
		return "", errors.New("gate never opened")
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "0xgate", nil
}

func (g *gateNotarizer) AwaitConfirmation(context.Context, string) (*notary.Receipt, error) {
	block := int64(11)
	return &notary.Receipt{TxHash: "0xgate", BlockNumber: &block}, nil
}

func TestAnchor_ConcurrentCallsWriteOneAnchor(t *testing.T) {
	f := setup(t)
	rec := f.approve(t, f.draft(t, "R-8"))
	gate := newGateNotarizer(2)
	svc := f.service(t, gate)

	var wg sync.WaitGroup
	results := make([]*models.BlockchainAnchor, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Anchor(context.Background(), anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, gate.calls, "both callers reached the network")
	var winner *models.BlockchainAnchor
	conflicts := 0
	for i := range errs {
		if errs[i] == nil {
			winner = results[i]
			continue
		}
		assert.ErrorIs(t, errs[i], apperr.ErrConflict)
		conflicts++
	}
	require.NotNil(t, winner)
	assert.Equal(t, 1, conflicts)

	stored, err := f.store.Anchors().GetByRecordVersion(context.Background(), rec.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, stored.ID)

	events, err := f.ledger.ReadAll(context.Background(), &f.study.ID, 0)
	require.NoError(t, err)
	anchored := 0
	for _, e := range events {
		if e.ActionType == models.ActionBlockchainAnchored {
			anchored++
			assert.Equal(t, winner.ID, e.TargetEntityID)
		}
	}
	assert.Equal(t, 1, anchored)
}

func TestAnchor_CancelledAfterSubmitPersistsReference(t *testing.T) {
	f := setup(t)
	rec := f.approve(t, f.draft(t, "R-9"))

	ctx, cancel := context.WithCancel(context.Background())
	n := new(notarizerMock)
	n.On("Submit", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return("0xlate", nil)
	n.On("AwaitConfirmation", mock.Anything, "0xlate").Return(nil, context.Canceled)
	svc := f.service(t, n)

	_, err := svc.Anchor(ctx, anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := f.store.Anchors().GetByRecordVersion(context.Background(), rec.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, stored.TransactionHash)
	assert.Equal(t, "0xlate", *stored.TransactionHash)

	trail, err := f.ledger.ReadTrail(context.Background(), models.TargetAnchor, stored.ID, 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, anchor.OutcomeUnconfirmed, trail[0].Metadata["outcome"])

	_, err = svc.Anchor(context.Background(), anchor.Input{RecordID: rec.ID, RecordVersion: 1, ActorID: approver})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	n.AssertNumberOfCalls(t, "Submit", 1)
}
