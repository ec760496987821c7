package documents_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/blob"
	"github.com/Levelup666/AuditWiz/internal/db/dbtest"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/documents"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/services/records"
)

const (
	creator  = "alice"
	reviewer = "rob"
	outsider = "mallory"
)

type fixture struct {
	store  repository.Store
	engine *permission.Engine
	ledger *audit.Ledger
	record *models.Record
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewBunStore(dbtest.Open(t))
	engine, err := permission.NewEngine(store.Members())
	require.NoError(t, err)
	ledger := audit.NewLedger(store)

	study := dbtest.SeedStudy(t, store, "owner")
	dbtest.Grant(t, store, study.ID, creator, models.RoleCreator)
	dbtest.Grant(t, store, study.ID, reviewer, models.RoleReviewer)

	rec, err := records.NewService(store, engine, ledger).
		CreateRecord(context.Background(), study.ID, "R-1", []byte(`{"a":1}`), creator)
	require.NoError(t, err)

	return &fixture{store: store, engine: engine, ledger: ledger, record: rec}
}

func fileStore(t *testing.T) *blob.FileStore {
	t.Helper()
	fs, err := blob.NewFileStore(t.TempDir(), "http://localhost:8080/blobs", []byte("s3cret"))
	require.NoError(t, err)
	return fs
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "lab_report__v2_.pdf", documents.SanitizeFileName("lab report (v2).pdf"))
	assert.Equal(t, ".._etc_passwd", documents.SanitizeFileName("../etc/passwd"))
	assert.Equal(t, "ok-name_1.csv", documents.SanitizeFileName("ok-name_1.csv"))
}

func TestUpload_StoresBlobRowAndEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	blobs := fileStore(t)
	svc := documents.NewService(f.store, f.engine, f.ledger, blobs)

	data := []byte("assay plate readout")
	doc, err := svc.Upload(ctx, documents.UploadInput{
		RecordID: f.record.ID, FileName: "plate 7.csv", MimeType: "text/csv", Data: data, ActorID: creator,
	})
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), doc.FileHash)
	assert.Equal(t, "plate 7.csv", doc.FileName)
	assert.Equal(t, int64(len(data)), doc.FileSize)
	assert.True(t, strings.HasPrefix(doc.FilePath, f.record.ID+"/"))
	assert.True(t, strings.HasSuffix(doc.FilePath, "-plate_7.csv"))

	rc, err := blobs.Open(ctx, doc.FilePath)
	require.NoError(t, err)
	stored, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, data, stored)

	head, err := f.ledger.Head(ctx, models.TargetDocument, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, models.ActionDocumentUploaded, head.ActionType)
	assert.Equal(t, f.record.ID, head.Metadata["record_id"])
	assert.Equal(t, string(models.RoleCreator), *head.ActorRoleAtTime)

	listed, err := svc.List(ctx, f.record.ID, reviewer)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, doc.ID, listed[0].ID)
}

func TestUpload_Preconditions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	svc := documents.NewService(f.store, f.engine, f.ledger, fileStore(t)).WithLimits(8, 0)

	cases := []struct {
		name string
		in   documents.UploadInput
		kind apperr.Kind
	}{
		{"unknown record", documents.UploadInput{RecordID: "00000000-0000-0000-0000-000000000099", FileName: "a", Data: []byte("x"), ActorID: creator}, apperr.KindNotFound},
		{"reviewer cannot upload", documents.UploadInput{RecordID: f.record.ID, FileName: "a", Data: []byte("x"), ActorID: reviewer}, apperr.KindForbidden},
		{"outsider cannot upload", documents.UploadInput{RecordID: f.record.ID, FileName: "a", Data: []byte("x"), ActorID: outsider}, apperr.KindForbidden},
		{"empty file", documents.UploadInput{RecordID: f.record.ID, FileName: "a", ActorID: creator}, apperr.KindValidationFailed},
		{"too large", documents.UploadInput{RecordID: f.record.ID, FileName: "a", Data: []byte("123456789"), ActorID: creator}, apperr.KindValidationFailed},
		{"missing name", documents.UploadInput{RecordID: f.record.ID, FileName: "  ", Data: []byte("x"), ActorID: creator}, apperr.KindValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, tc.in)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}

	docs, err := f.store.Documents().ListByRecord(ctx, f.record.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

type blobMock struct {
	mock.Mock
}

func (m *blobMock) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return m.Called(key, contentType).Error(0)
}

func (m *blobMock) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(key)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *blobMock) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	args := m.Called(key, ttl)
	return args.String(0), args.Error(1)
}

func TestUpload_BlobFailureWritesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	blobs := &blobMock{}
	blobs.On("Put", mock.Anything, "application/octet-stream").Return(errors.New("bucket unreachable")).Once()
	svc := documents.NewService(f.store, f.engine, f.ledger, blobs)

	_, err := svc.Upload(ctx, documents.UploadInput{RecordID: f.record.ID, FileName: "a.bin", Data: []byte{1}, ActorID: creator})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternalUnavailable, apperr.KindOf(err))

	docs, err := f.store.Documents().ListByRecord(ctx, f.record.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
	blobs.AssertExpectations(t)
}

func TestDownloadURL(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	blobs := fileStore(t)
	svc := documents.NewService(f.store, f.engine, f.ledger, blobs)

	doc, err := svc.Upload(ctx, documents.UploadInput{RecordID: f.record.ID, FileName: "x.txt", Data: []byte("x"), ActorID: creator})
	require.NoError(t, err)

	link, got, err := svc.DownloadURL(ctx, f.record.ID, doc.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/blobs/"+doc.FilePath, u.Path)
	assert.NoError(t, blobs.VerifyToken(u.Query().Get("token"), doc.FilePath))

	_, _, err = svc.DownloadURL(ctx, f.record.ID, doc.ID, outsider)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, _, err = svc.DownloadURL(ctx, f.record.ID, "00000000-0000-0000-0000-000000000042", reviewer)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
