package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/services/anchor"
	"github.com/Levelup666/AuditWiz/internal/services/documents"
	"github.com/Levelup666/AuditWiz/internal/services/signature"
)

type createRecordRequest struct {
	RecordNumber string          `json:"record_number"`
	Content      json.RawMessage `json:"content"`
}

type amendRequest struct {
	Content json.RawMessage `json:"content"`
	Reason  string          `json:"reason"`
}

type signRequest struct {
	RecordVersion int                    `json:"record_version"`
	Intent        models.SignatureIntent `json:"intent"`
	ReauthProof   string                 `json:"reauth_proof"`
}

type verifyRequest struct {
	SignatureHash string                 `json:"signature_hash"`
	RecordID      string                 `json:"record_id"`
	RecordVersion int                    `json:"record_version"`
	SignerID      string                 `json:"signer_id"`
	Intent        models.SignatureIntent `json:"intent"`
	SignedAt      time.Time              `json:"signed_at"`
}

type anchorRequest struct {
	RecordVersion int    `json:"record_version"`
	ContentHash   string `json:"content_hash"`
}

type anchorStatusResponse struct {
	Anchored bool                     `json:"anchored"`
	Anchor   *models.BlockchainAnchor `json:"anchor,omitempty"`
}

func (h *handlers) listRecords(w http.ResponseWriter, r *http.Request) {
	list, err := h.opts.Records.ListRecords(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) createRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.opts.Records.CreateRecord(r.Context(), chi.URLParam(r, "id"), req.RecordNumber, req.Content, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.opts.Records.GetRecord(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) amendRecord(w http.ResponseWriter, r *http.Request) {
	var req amendRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.opts.Records.AmendRecord(r.Context(), chi.URLParam(r, "id"), req.Content, req.Reason, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) transitionRecord(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.opts.Records.TransitionStatus(r.Context(), chi.URLParam(r, "id"), models.RecordStatus(req.Status), req.Reason, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) versionChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.opts.Records.GetVersionChain(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (h *handlers) recordTrail(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	trail, err := h.opts.Records.RecordTrail(r.Context(), chi.URLParam(r, "id"), limit, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (h *handlers) listSignatures(w http.ResponseWriter, r *http.Request) {
	sigs, err := h.opts.Signatures.ListSignatures(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sigs)
}

// sign accepts the re-authentication proof in the body or the X-Reauth-Token header.
func (h *handlers) sign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	proof := req.ReauthProof
	if proof == "" {
		proof = r.Header.Get("X-Reauth-Token")
	}
	result, err := h.opts.Signatures.Sign(r.Context(), signature.SignInput{
		RecordID:      chi.URLParam(r, "id"),
		RecordVersion: req.RecordVersion,
		SignerID:      caller(r),
		Intent:        req.Intent,
		ReauthProof:   proof,
		IPAddress:     optionalString(r.RemoteAddr),
		UserAgent:     optionalString(r.UserAgent()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handlers) verifySignature(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	valid := signature.Verify(req.SignatureHash, req.RecordID, req.RecordVersion, req.SignerID, req.Intent, req.SignedAt)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (h *handlers) anchorRecord(w http.ResponseWriter, r *http.Request) {
	var req anchorRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.opts.Anchors.Anchor(r.Context(), anchor.Input{
		RecordID:      chi.URLParam(r, "id"),
		RecordVersion: req.RecordVersion,
		ContentHash:   req.ContentHash,
		ActorID:       caller(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *handlers) anchorStatus(w http.ResponseWriter, r *http.Request) {
	a, err := h.opts.Anchors.CheckStatus(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, anchorStatusResponse{Anchored: a != nil, Anchor: a})
}

func (h *handlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.opts.Documents.List(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// uploadDocument reads one multipart "file" part.
func (h *handlers) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, badRequest("file exceeds the %d byte limit", h.opts.MaxUploadSize))
			return
		}
		h.writeError(w, r, badRequest("file is required"))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, h.opts.MaxUploadSize+1))
	if err != nil {
		h.writeError(w, r, badRequest("read upload: %v", err))
		return
	}
	doc, err := h.opts.Documents.Upload(r.Context(), documents.UploadInput{
		RecordID: chi.URLParam(r, "id"),
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
		ActorID:  caller(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *handlers) downloadDocument(w http.ResponseWriter, r *http.Request) {
	link, _, err := h.opts.Documents.DownloadURL(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "docID"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, link, http.StatusFound)
}
