package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/services/studies"
)

type createStudyRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Status      models.StudyStatus `json:"status"`
}

type statusRequest struct {
	Status string  `json:"status"`
	Reason *string `json:"reason"`
}

type schemaRequest struct {
	Schema json.RawMessage `json:"schema"`
}

type inferRequest struct {
	Samples []json.RawMessage `json:"samples"`
}

type memberRequest struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

func (h *handlers) listStudies(w http.ResponseWriter, r *http.Request) {
	list, err := h.opts.Studies.ListStudies(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) createStudy(w http.ResponseWriter, r *http.Request) {
	var req createStudyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	study, err := h.opts.Studies.CreateStudy(r.Context(), studies.CreateStudyInput{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
	}, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, study)
}

func (h *handlers) getStudy(w http.ResponseWriter, r *http.Request) {
	study, err := h.opts.Studies.GetStudy(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, study)
}

func (h *handlers) updateStudyStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	study, err := h.opts.Studies.UpdateStatus(r.Context(), chi.URLParam(r, "id"), models.StudyStatus(req.Status), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, study)
}

// setStudySchema installs or, with a null schema, clears the content schema.
func (h *handlers) setStudySchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var schema *string
	if raw := bytes.TrimSpace(req.Schema); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		s := string(raw)
		schema = &s
	}
	study, err := h.opts.Studies.SetContentSchema(r.Context(), chi.URLParam(r, "id"), schema, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, study)
}

func (h *handlers) inferStudySchema(w http.ResponseWriter, r *http.Request) {
	var req inferRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	schema, err := h.opts.Studies.InferContentSchema(r.Context(), chi.URLParam(r, "id"), req.Samples, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"schema": json.RawMessage(schema)})
}

func (h *handlers) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.opts.Studies.ListMembers(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *handlers) addMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	member, err := h.opts.Studies.AddMember(r.Context(), chi.URLParam(r, "id"), req.UserID, req.Role, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *handlers) changeMemberRole(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	member, err := h.opts.Studies.ChangeRole(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userID"), req.Role, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *handlers) revokeMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.opts.Studies.RevokeMember(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userID"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *handlers) memberHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.opts.Studies.MemberHistory(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userID"), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
