package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/podex/podex/internal/api/middleware"
	"github.com/podex/podex/internal/orchestrator"
	"github.com/podex/podex/pkg/models"
)

// SubmitTask queues one user message for an agent.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var spec models.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if spec.SessionID == "" || spec.AgentID == "" || spec.Message == "" {
		respondError(w, http.StatusBadRequest, "session_id, agent_id and message are required")
		return
	}
	if id := middleware.GetIdentity(r.Context()); id != nil {
		spec.UserID = id.UserID
	}

	taskID, err := h.Orch.Submit(r.Context(), spec)
	if err != nil {
		if errors.Is(err, orchestrator.ErrAgentLimitExceeded) {
			respondError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// GetTask returns a task's current state.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Orch.Status(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// CancelTask cancels a pending or running task.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	err := h.Orch.Cancel(chi.URLParam(r, "taskID"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotCancelable):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// CancelAgentTasks aborts everything queued or running for one agent.
func (h *Handlers) CancelAgentTasks(w http.ResponseWriter, r *http.Request) {
	n := h.Orch.CancelAgentTasks(chi.URLParam(r, "agentID"))
	respondJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

type delegateRequest struct {
	SessionID   string                        `json:"session_id"`
	Description string                        `json:"description"`
	Agents      []orchestrator.DelegateTarget `json:"agents"`
}

// Delegate fans one description out to several agents as parallel tasks.
func (h *Handlers) Delegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Description == "" || len(req.Agents) == 0 {
		respondError(w, http.StatusBadRequest, "session_id, description and agents are required")
		return
	}
	ids, err := h.Orch.Delegate(r.Context(), req.SessionID, req.Description, req.Agents)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

type resolveApprovalRequest struct {
	Approved       bool `json:"approved"`
	AddToAllowlist bool `json:"add_to_allowlist"`
}

// ResolveApproval delivers the user's decision for a pending approval.
// Resolving an unknown or expired approval is a no-op success.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Orch.ResolveApproval(r.Context(), chi.URLParam(r, "approvalID"), req.Approved, req.AddToAllowlist); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
