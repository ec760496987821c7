package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T, baseURL string) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), baseURL, []byte("blob-secret"))
	require.NoError(t, err)
	return store
}

func TestCleanKey(t *testing.T) {
	valid := []string{"rec/1-a.pdf", "a", "x/y/z.txt"}
	for _, key := range valid {
		got, err := CleanKey(key)
		require.NoError(t, err, key)
		assert.Equal(t, key, got)
	}

	invalid := []string{"", "/etc/passwd", "../x", "a/../../b", "a//b", "a/./b", "a\\b", "a/"}
	for _, key := range invalid {
		_, err := CleanKey(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestFileStore_PutOpen(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, "http://localhost/blobs")

	require.NoError(t, store.Put(ctx, "rec-1/doc.txt", []byte("hello"), "text/plain"))

	rc, err := store.Open(ctx, "rec-1/doc.txt")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	err = store.Put(ctx, "rec-1/doc.txt", []byte("replaced"), "text/plain")
	assert.ErrorIs(t, err, ErrExists)

	_, err = store.Open(ctx, "rec-1/missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Put(ctx, "../escape", []byte("x"), ""), ErrInvalidKey)
}

func TestFileStore_SignedURLServedByHandler(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFileStore(t, srv.URL+"/blobs")
	mux.Handle("/blobs/", http.StripPrefix("/blobs", store.Handler()))
	require.NoError(t, store.Put(ctx, "rec-1/report one.txt", []byte("contents"), "text/plain"))

	link, err := store.SignedURL(ctx, "rec-1/report one.txt", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, srv.URL+"/blobs/rec-1/report%20one.txt?token="))

	resp, err := http.Get(link)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "contents", string(body))

	t.Run("token bound to another key", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "rec-1/other.txt", []byte("secret"), ""))
		u, err := url.Parse(link)
		require.NoError(t, err)
		u.Path = "/blobs/rec-1/other.txt"
		resp, err := http.Get(u.String())
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/blobs/rec-1/other.txt")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestFileStore_ExpiredToken(t *testing.T) {
	store := newFileStore(t, "http://localhost/blobs")
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return issued })

	link, err := store.SignedURL(context.Background(), "k/v.bin", 60*time.Second)
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	token := u.Query().Get("token")

	require.NoError(t, store.VerifyToken(token, "k/v.bin"))

	store.WithClock(func() time.Time { return issued.Add(61 * time.Second) })
	assert.Error(t, store.VerifyToken(token, "k/v.bin"))
}

func TestFileStore_RejectsForeignSecret(t *testing.T) {
	a := newFileStore(t, "http://a/blobs")
	b := newFileStore(t, "http://b/blobs")
	b.secret = []byte("different")

	link, err := a.SignedURL(context.Background(), "k/v.bin", time.Minute)
	require.NoError(t, err)
	u, _ := url.Parse(link)
	assert.Error(t, b.VerifyToken(u.Query().Get("token"), "k/v.bin"))
}

type s3Mock struct {
	mock.Mock
}

func (m *s3Mock) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *s3Mock) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

type presignerMock struct {
	mock.Mock
}

func (m *presignerMock) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (string, error) {
	var po s3.PresignOptions
	for _, opt := range opts {
		opt(&po)
	}
	args := m.Called(aws.ToString(in.Key), po.Expires)
	return args.String(0), args.Error(1)
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	client := &s3Mock{}
	presigner := &presignerMock{}
	store := NewS3StoreWithClient("evidence", client, presigner)

	client.On("PutObject", ctx, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Bucket) == "evidence" &&
			aws.ToString(in.Key) == "rec/doc.pdf" &&
			aws.ToString(in.ContentType) == "application/pdf" &&
			aws.ToString(in.IfNoneMatch) == "*"
	})).Return(&s3.PutObjectOutput{}, nil).Once()
	require.NoError(t, store.Put(ctx, "rec/doc.pdf", []byte("%PDF"), "application/pdf"))

	client.On("GetObject", ctx, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "rec/missing.pdf"
	})).Return(nil, &types.NoSuchKey{}).Once()
	_, err := store.Open(ctx, "rec/missing.pdf")
	assert.True(t, errors.Is(err, ErrNotFound))

	presigner.On("PresignGetObject", "rec/doc.pdf", 60*time.Second).
		Return("https://s3.example/evidence/rec/doc.pdf?X-Amz-Signature=abc", nil).Once()
	link, err := store.SignedURL(ctx, "rec/doc.pdf", 60*time.Second)
	require.NoError(t, err)
	assert.Contains(t, link, "X-Amz-Signature")

	_, err = store.SignedURL(ctx, "../x", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidKey)

	client.AssertExpectations(t)
	presigner.AssertExpectations(t)
}
