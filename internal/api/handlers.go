package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/apqp-suite/changecore/internal/domain"
	"github.com/apqp-suite/changecore/internal/snapshot"
	"github.com/apqp-suite/changecore/internal/workflow"
)

type createSnapshotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ActorID     string `json:"actor_id"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	var req createSnapshotRequest
	if !decodeBody(w, r, &req) {
		return
	}

	version, err := s.snapshots.CreateSnapshot(r.Context(), projectID, req.Name, req.Description, req.ActorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleVersionHistory(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	versions, err := s.snapshots.GetVersionHistory(r.Context(), projectID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	versionID, ok := pathUUID(w, r, "versionID")
	if !ok {
		return
	}
	version, err := s.snapshots.GetVersion(r.Context(), versionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleCompareVersions(w http.ResponseWriter, r *http.Request) {
	baseID, err := uuid.Parse(r.URL.Query().Get("base"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid base version id")
		return
	}
	targetID, err := uuid.Parse(r.URL.Query().Get("target"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid target version id")
		return
	}

	diff, err := s.snapshots.CompareVersions(r.Context(), baseID, targetID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

type restoreRequest struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	versionID, ok := pathUUID(w, r, "versionID")
	if !ok {
		return
	}
	var req restoreRequest
	if !decodeBody(w, r, &req) {
		return
	}

	restored, err := s.snapshots.RestoreToVersion(r.Context(), versionID, req.ActorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

type recordChangeRequest struct {
	ProjectID  uuid.UUID         `json:"project_id"`
	EntityType string            `json:"entity_type"`
	EntityID   uuid.UUID         `json:"entity_id"`
	ChangeType domain.ChangeType `json:"change_type"`
	OldValues  map[string]any    `json:"old_values"`
	NewValues  map[string]any    `json:"new_values"`
	ActorID    string            `json:"actor_id"`
	BatchID    *uuid.UUID        `json:"batch_id,omitempty"`
}

func (s *Server) handleRecordChange(w http.ResponseWriter, r *http.Request) {
	var req recordChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	event, err := s.changes.RecordChange(r.Context(), domain.ChangeInput{
		ProjectID:  req.ProjectID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ChangeType: req.ChangeType,
		OldValues:  req.OldValues,
		NewValues:  req.NewValues,
		ActorID:    req.ActorID,
		BatchID:    req.BatchID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := domain.ChangeEventFilter{
		EntityType:     q.Get("entity_type"),
		ChangeType:     domain.ChangeType(q.Get("change_type")),
		ApprovalStatus: domain.ApprovalStatus(q.Get("approval_status")),
	}
	if raw := q.Get("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid entity_id")
			return
		}
		filter.EntityID = &id
	}
	if raw := q.Get("batch_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid batch_id")
			return
		}
		filter.BatchID = &id
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &since
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	events, total, err := s.changes.ListChangeEvents(r.Context(), projectID, filter, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
	})
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	event, err := s.changes.GetChangeEvent(r.Context(), eventID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleGetImpact(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	analysis, err := s.impacts.GetByEventID(r.Context(), eventID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.PropagationRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	created, err := s.rules.Create(r.Context(), rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf domain.ApprovalWorkflow
	if !decodeBody(w, r, &wf) {
		return
	}

	created, err := s.workflows.CreateWorkflow(r.Context(), wf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	steps, err := s.workflows.ListSteps(r.Context(), eventID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

type decisionRequest struct {
	ActorID  string  `json:"actor_id"`
	Role     string  `json:"role"`
	Comments *string `json:"comments,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	step, err := s.workflows.ApproveChangeEvent(r.Context(), eventID, req.ActorID, req.Role, req.Comments)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	step, err := s.workflows.RejectChangeEvent(r.Context(), eventID, req.ActorID, req.Role, req.Comments)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleRecomputeRisk(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	var date time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
			return
		}
		date = parsed
	}
	snapshot, err := s.analytics.Recompute(r.Context(), projectID, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleRiskSummary(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	summary, err := s.analytics.GetRiskSummary(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps sentinel errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrProjectNotFound),
		errors.Is(err, domain.ErrVersionNotFound),
		errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrWorkflowNotFound),
		errors.Is(err, domain.ErrStepNotFound),
		errors.Is(err, domain.ErrRuleNotFound):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateVersion),
		errors.Is(err, domain.ErrRestoreConflict):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidRule),
		errors.Is(err, domain.ErrInvalidFieldMapping),
		errors.Is(err, workflow.ErrNoEligibleStep):
		writeErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrSnapshotCorrupted),
		errors.Is(err, snapshot.ErrRestoreFailed):
		s.log.WithError(err).Error("request failed")
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}
