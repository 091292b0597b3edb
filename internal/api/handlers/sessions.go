package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/api/middleware"
	"github.com/podex/podex/pkg/models"
)

type createSessionRequest struct {
	Title          string `json:"title,omitempty"`
	Image          string `json:"image,omitempty"`
	Template       string `json:"template,omitempty"`
	Tier           string `json:"tier,omitempty"`
	StandbyMinutes int    `json:"standby_minutes,omitempty"`
}

type sessionResponse struct {
	Session   *models.Session   `json:"session"`
	Workspace *models.Workspace `json:"workspace"`
}

// CreateSession opens a session and a pending workspace; the provision
// reconciler brings the container up asynchronously. Clients watch the
// session event channel for the running transition.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tierName := req.Tier
	if tierName == "" {
		tierName = "standard"
	}
	tier, ok := tiers[tierName]
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown tier "+tierName)
		return
	}
	image := req.Image
	if image == "" {
		image = defaultWorkspaceImage
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:             uuid.NewString(),
		UserID:         identity.UserID,
		Title:          req.Title,
		Active:         true,
		StandbyMinutes: req.StandbyMinutes,
		Image:          image,
		Template:       req.Template,
		TierName:       tierName,
		CreatedAt:      now,
		LastActivity:   now,
	}
	workspace := &models.Workspace{
		ID:           uuid.NewString(),
		SessionID:    session.ID,
		UserID:       identity.UserID,
		Status:       models.WorkspacePending,
		Image:        image,
		Template:     req.Template,
		Tier:         tier,
		LastActivity: now,
		CreatedAt:    now,
	}
	session.WorkspaceID = workspace.ID

	if err := h.Store.CreateSession(r.Context(), session); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.Store.CreateWorkspace(r.Context(), workspace); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("session_id", session.ID).Str("workspace_id", workspace.ID).
		Str("user_id", identity.UserID).Str("tier", tierName).Msg("session created")
	respondJSON(w, http.StatusCreated, sessionResponse{Session: session, Workspace: workspace})
}

// GetSession returns a session with its workspace.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !h.ownsSession(w, r, session) {
		return
	}
	resp := sessionResponse{Session: session}
	if session.WorkspaceID != "" {
		if ws, err := h.Store.GetWorkspace(r.Context(), session.WorkspaceID); err == nil {
			resp.Workspace = ws
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// ArchiveSession archives a session, tears down agent state, and deletes
// the workspace.
func (h *Handlers) ArchiveSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !h.ownsSession(w, r, session) {
		return
	}

	h.Orch.Cleanup(session.ID)
	if session.WorkspaceID != "" {
		if err := h.Compute.DeleteWorkspace(r.Context(), session.WorkspaceID); err != nil {
			log.Warn().Err(err).Str("workspace_id", session.WorkspaceID).Msg("workspace deletion on archive failed")
		}
		if err := h.Store.DeleteWorkspace(r.Context(), session.WorkspaceID); err != nil {
			log.Warn().Err(err).Str("workspace_id", session.WorkspaceID).Msg("workspace row deletion failed")
		}
	}
	if err := h.Store.ArchiveSession(r.Context(), session.ID, time.Now().UTC()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("session_id", session.ID).Msg("session archived")
	w.WriteHeader(http.StatusNoContent)
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// SessionEvents streams a session's event channel over a websocket.
func (h *Handlers) SessionEvents(w http.ResponseWriter, r *http.Request) {
	session, err := h.Store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !h.ownsSession(w, r, session) {
		return
	}

	ws, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("events upgrade failed")
		return
	}
	defer ws.Close()

	sub := h.Hub.Subscribe(r.Context(), session.ID)
	defer sub.Close()

	// reader only notices disconnects
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case raw, ok := <-sub.C:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ownsSession rejects access to other users' sessions; admins see all.
func (h *Handlers) ownsSession(w http.ResponseWriter, r *http.Request, session *models.Session) bool {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if identity.Role != "admin" && session.UserID != identity.UserID {
		respondError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}
