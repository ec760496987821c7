package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
)

type systemActionRequest struct {
	StudyID           string                 `json:"study_id"`
	ActionType        models.AuditActionType `json:"action_type"`
	TargetEntityType  string                 `json:"target_entity_type"`
	TargetEntityID    string                 `json:"target_entity_id"`
	PreviousStateHash *string                `json:"previous_state_hash"`
	NewStateHash      string                 `json:"new_state_hash"`
	SystemMetadata    map[string]any         `json:"system_metadata"`
}

// studyScope reads the required study_id and checks the capability in it.
func (h *handlers) studyScope(r *http.Request, capability permission.Capability) (string, error) {
	studyID, err := requiredQuery(r, "study_id")
	if err != nil {
		return "", err
	}
	if _, err := h.opts.Authz.Require(r.Context(), caller(r), studyID, capability); err != nil {
		return "", err
	}
	return studyID, nil
}

func (h *handlers) readAudit(w http.ResponseWriter, r *http.Request) {
	studyID, err := h.studyScope(r, permission.AuditRead)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.opts.Ledger.ReadAll(r.Context(), &studyID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// exportAudit streams the study's events as JSON (default) or CSV.
func (h *handlers) exportAudit(w http.ResponseWriter, r *http.Request) {
	studyID, err := h.studyScope(r, permission.AuditExport)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := audit.ExportQuery{StudyID: &studyID, Filter: r.URL.Query().Get("filter")}
	if q.From, err = queryTime(r, "from"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if q.To, err = queryTime(r, "to"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		h.writeError(w, r, err)
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		h.writeError(w, r, badRequest("format must be json or csv"))
		return
	}

	events, err := h.opts.Ledger.Export(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	filename := fmt.Sprintf("audit-%s-%s.%s", studyID, time.Now().UTC().Format("20060102"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := audit.WriteCSV(w, events); err != nil {
			h.logger.Warn("audit csv export interrupted", zap.Error(err))
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := audit.WriteJSON(w, events); err != nil {
		h.logger.Warn("audit json export interrupted", zap.Error(err))
	}
}

// verifyAudit checks one target chain that belongs to the study.
func (h *handlers) verifyAudit(w http.ResponseWriter, r *http.Request) {
	studyID, err := h.studyScope(r, permission.AuditRead)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	targetType, err := requiredQuery(r, "type")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	targetID, err := requiredQuery(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	head, err := h.opts.Ledger.Head(r.Context(), targetType, targetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if head == nil || head.StudyID == nil || *head.StudyID != studyID {
		h.writeError(w, r, apperr.NotFound("audit trail", targetType+"/"+targetID))
		return
	}

	report, err := h.opts.Ledger.VerifyTrail(r.Context(), targetType, targetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// systemAction logs an automated action on behalf of the reserved system actor.
func (h *handlers) systemAction(w http.ResponseWriter, r *http.Request) {
	var req systemActionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.StudyID == "" || req.ActionType == "" || req.TargetEntityType == "" || req.NewStateHash == "" {
		h.writeError(w, r, badRequest("study_id, action_type, target_entity_type and new_state_hash are required"))
		return
	}
	if req.ActionType != models.ActionSystemAction && req.ActionType != models.ActionAIAction {
		h.writeError(w, r, badRequest("action_type must be %s or %s", models.ActionSystemAction, models.ActionAIAction))
		return
	}
	if _, err := h.opts.Authz.Require(r.Context(), caller(r), req.StudyID, permission.SystemAction); err != nil {
		h.writeError(w, r, err)
		return
	}

	meta, err := audit.DecodeSystemMetadata(req.SystemMetadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	meta.RequestedBy = caller(r)
	if req.PreviousStateHash != nil && *req.PreviousStateHash == "" {
		req.PreviousStateHash = nil
	}

	event, err := h.opts.Ledger.AppendSystem(r.Context(), audit.AppendInput{
		StudyID:           &req.StudyID,
		ActionType:        req.ActionType,
		TargetType:        req.TargetEntityType,
		TargetID:          req.TargetEntityID,
		PreviousStateHash: req.PreviousStateHash,
		NewStateHash:      req.NewStateHash,
	}, meta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.opts.Ledger.Notify(r.Context(), event)
	writeJSON(w, http.StatusCreated, event)
}
