package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/auth"
	"github.com/Levelup666/AuditWiz/internal/blob"
	"github.com/Levelup666/AuditWiz/internal/db/dbtest"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/services/anchor"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/documents"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/services/records"
	"github.com/Levelup666/AuditWiz/internal/services/signature"
	"github.com/Levelup666/AuditWiz/internal/services/studies"
)

type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	tokens *auth.Tokens
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	store := repository.NewBunStore(dbtest.Open(t))
	engine, err := permission.NewEngine(store.Members())
	require.NoError(t, err)
	ledger := audit.NewLedger(store)
	tokens, err := auth.NewTokens([]byte("api-test-secret"), "auditwiz", 5*time.Minute)
	require.NoError(t, err)
	blobs, err := blob.NewFileStore(t.TempDir(), srv.URL+"/blobs", []byte("blob-secret"))
	require.NoError(t, err)

	recs := records.NewService(store, engine, ledger)
	anchors, err := anchor.NewService(store, engine, ledger, nil)
	require.NoError(t, err)

	handler = NewRouter(RouterOptions{
		Studies:       studies.NewService(store, engine, ledger),
		Records:       recs,
		Signatures:    signature.NewService(store, engine, ledger, recs, tokens),
		Anchors:       anchors,
		Documents:     documents.NewService(store, engine, ledger, blobs),
		Ledger:        ledger,
		Authz:         engine,
		Authenticator: tokens,
		BlobHandler:   blobs.Handler(),
	})
	return &testAPI{t: t, srv: srv, tokens: tokens}
}

func (a *testAPI) token(subject, purpose string) string {
	a.t.Helper()
	tok, err := a.tokens.Issue(subject, purpose, time.Hour)
	require.NoError(a.t, err)
	return tok
}

func (a *testAPI) do(method, path, user string, body any) (*http.Response, []byte) {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(user, auth.PurposeAccess))
	}
	return a.send(req)
}

func (a *testAPI) send(req *http.Request) (*http.Response, []byte) {
	a.t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindUnauthenticated:     http.StatusUnauthorized,
		apperr.KindForbidden:           http.StatusForbidden,
		apperr.KindNotFound:            http.StatusNotFound,
		apperr.KindConflict:            http.StatusConflict,
		apperr.KindConflictRetryable:   http.StatusConflict,
		apperr.KindInvalidTransition:   http.StatusUnprocessableEntity,
		apperr.KindValidationFailed:    http.StatusBadRequest,
		apperr.KindReauthRequired:      http.StatusPreconditionRequired,
		apperr.KindExternalUnavailable: http.StatusInternalServerError,
		apperr.KindUnknown:             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}

func TestWriteError_RetryableAndGenericBodies(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	writeError(rec, req, zap.NewNop(), audit.ErrChainMismatch)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec.Body.Bytes())
	assert.True(t, body.Retryable)

	rec = httptest.NewRecorder()
	writeError(rec, req, zap.NewNop(), io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body = decode[errorBody](t, rec.Body.Bytes())
	assert.Equal(t, "internal server error", body.Error)
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, _ = api.do(http.MethodGet, "/api/studies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, api.srv.URL+"/api/studies", nil)
	req.Header.Set("Authorization", "Bearer "+api.token("alice", auth.PurposeReauth))
	resp, _ = api.send(req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "reauth proofs are not access tokens")

	resp, _ = api.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_RecordLifecycle(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(http.MethodPost, "/api/studies", "alice", map[string]any{"title": "Trial 7", "status": "active"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	study := decode[models.Study](t, body)

	for user, role := range map[string]models.Role{"carl": models.RoleCreator, "april": models.RoleApprover, "audrey": models.RoleAuditor} {
		resp, body = api.do(http.MethodPost, "/api/studies/"+study.ID+"/members", "alice", map[string]any{"user_id": user, "role": role})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}
	resp, _ = api.do(http.MethodPost, "/api/studies/"+study.ID+"/members", "alice", map[string]any{"user_id": "carl", "role": "reviewer"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = api.do(http.MethodPost, "/api/studies/"+study.ID+"/records", "carl",
		map[string]any{"record_number": "S-001", "content": map[string]any{"ph": 7.2}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	rec := decode[models.Record](t, body)
	assert.Equal(t, models.RecordStatusDraft, rec.Status)

	resp, _ = api.do(http.MethodPost, "/api/studies/"+study.ID+"/records", "audrey",
		map[string]any{"record_number": "S-002", "content": map[string]any{}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.do(http.MethodPost, "/api/records/"+rec.ID+"/status", "carl", map[string]any{"status": "approved"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = api.do(http.MethodPost, "/api/records/"+rec.ID+"/status", "carl", map[string]any{"status": "submitted"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = api.do(http.MethodPost, "/api/records/"+rec.ID+"/signatures", "april",
		map[string]any{"record_version": 1, "intent": "approval"})
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)

	resp, body = api.do(http.MethodPost, "/api/records/"+rec.ID+"/signatures", "april",
		map[string]any{"record_version": 1, "intent": "approval", "reauth_proof": api.token("april", auth.PurposeReauth)})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	signed := decode[signature.Result](t, body)
	require.NotNil(t, signed.Record)
	assert.Equal(t, models.RecordStatusApproved, signed.Record.Status)

	resp, body = api.do(http.MethodPost, "/api/signatures/verify", "audrey", map[string]any{
		"signature_hash": signed.Signature.SignatureHash,
		"record_id":      rec.ID,
		"record_version": 1,
		"signer_id":      "april",
		"intent":         "approval",
		"signed_at":      signed.Signature.SignedAt,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"valid": true}, decode[map[string]bool](t, body))

	resp, body = api.do(http.MethodPost, "/api/records/"+rec.ID+"/anchor", "april", map[string]any{"record_version": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	anchored := decode[models.BlockchainAnchor](t, body)
	assert.Nil(t, anchored.TransactionHash)

	resp, _ = api.do(http.MethodPost, "/api/records/"+rec.ID+"/anchor", "april", map[string]any{"record_version": 1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = api.do(http.MethodGet, "/api/records/"+rec.ID+"/anchor/status", "audrey", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[anchorStatusResponse](t, body).Anchored)

	resp, body = api.do(http.MethodGet, "/api/records/"+rec.ID+"/audit", "audrey", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trail := decode[[]models.AuditEvent](t, body)
	require.Len(t, trail, 3)
	assert.Equal(t, models.ActionRecordApproved, trail[0].ActionType)

	resp, body = api.do(http.MethodGet, "/api/audit/verify?study_id="+study.ID+"&type=record&id="+rec.ID, "audrey", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	report := decode[audit.VerifyReport](t, body)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Events)

	t.Run("export", func(t *testing.T) {
		resp, _ := api.do(http.MethodGet, "/api/audit/export?study_id="+study.ID, "carl", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, body := api.do(http.MethodGet, "/api/audit/export?study_id="+study.ID+"&format=csv", "audrey", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
		lines := strings.Split(string(body), "\n")
		assert.Equal(t, strings.Join(audit.CSVColumns, ","), lines[0])

		resp, body = api.do(http.MethodGet, "/api/audit/export?study_id="+study.ID+`&filter=action_type+%3D%3D+%22record_approved%22`, "audrey", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		events := decode[[]models.AuditEvent](t, body)
		require.Len(t, events, 1)
		assert.Equal(t, models.ActionRecordApproved, events[0].ActionType)

		resp, _ = api.do(http.MethodGet, "/api/audit/export?study_id="+study.ID+"&format=xml", "audrey", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPI_SystemActions(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.do(http.MethodPost, "/api/studies", "alice", map[string]any{"title": "Automation"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	study := decode[models.Study](t, body)

	payload := map[string]any{
		"study_id":           study.ID,
		"action_type":        "ai_action",
		"target_entity_type": "record",
		"target_entity_id":   "classifier-run-1",
		"new_state_hash":     strings.Repeat("ab", 32),
		"system_metadata":    map[string]any{"automation_type": "ai", "model_version": "v3", "confidence": 0.91},
	}
	resp, body = api.do(http.MethodPost, "/api/system-actions", "alice", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	event := decode[models.AuditEvent](t, body)
	require.NotNil(t, event.ActorID)
	assert.Equal(t, models.SystemActorID, *event.ActorID)
	assert.Equal(t, true, event.Metadata["is_system_action"])
	assert.Equal(t, "alice", event.Metadata["requested_by"])
	assert.Equal(t, "v3", event.Metadata["model_version"])

	resp, _ = api.do(http.MethodPost, "/api/system-actions", "mallory", payload)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	payload["action_type"] = "record_approved"
	resp, _ = api.do(http.MethodPost, "/api/system-actions", "alice", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Documents(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.do(http.MethodPost, "/api/studies", "alice", map[string]any{"title": "Docs"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	study := decode[models.Study](t, body)
	resp, body = api.do(http.MethodPost, "/api/studies/"+study.ID+"/records", "alice",
		map[string]any{"record_number": "D-1", "content": map[string]any{"k": "v"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	rec := decode[models.Record](t, body)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreateFormFile("file", "scan 01.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("scanned page"))
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest(http.MethodPost, api.srv.URL+"/api/records/"+rec.ID+"/documents", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+api.token("alice", auth.PurposeAccess))
	resp, body = api.send(req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	doc := decode[models.Document](t, body)
	assert.Equal(t, "scan 01.txt", doc.FileName)

	resp, body = api.do(http.MethodGet, "/api/records/"+rec.ID+"/documents", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Document](t, body), 1)

	resp, _ = api.do(http.MethodGet, "/api/records/"+rec.ID+"/documents/"+doc.ID+"/download", "alice", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(location, api.srv.URL+"/blobs/"), location)

	req, _ = http.NewRequest(http.MethodGet, location, nil)
	resp, body = api.send(req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "scanned page", string(body))
}
