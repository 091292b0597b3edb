package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/api/middleware"
	"github.com/podex/podex/internal/computeapi"
	"github.com/podex/podex/internal/computeclient"
	"github.com/podex/podex/pkg/models"
)

// getOwnedWorkspace loads a workspace and enforces ownership.
func (h *Handlers) getOwnedWorkspace(w http.ResponseWriter, r *http.Request) (*models.Workspace, bool) {
	ws, err := h.Store.GetWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		respondStoreError(w, err)
		return nil, false
	}
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if identity.Role != "admin" && ws.UserID != identity.UserID {
		respondError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return ws, true
}

// GetWorkspace returns the workspace record.
func (h *Handlers) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.getOwnedWorkspace(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

// StandbyWorkspace puts a running workspace on standby now.
func (h *Handlers) StandbyWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.getOwnedWorkspace(w, r)
	if !ok {
		return
	}
	standbyAt := time.Now().UTC()
	moved, err := h.Store.UpdateWorkspaceStatusCAS(r.Context(), ws.ID,
		models.WorkspaceRunning, models.WorkspaceStandby, &standbyAt)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !moved {
		respondError(w, http.StatusConflict, "workspace is not running")
		return
	}
	if err := h.Compute.StopWorkspace(computeclient.WithUserID(r.Context(), ws.UserID), ws.ID); err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("standby stop failed")
	}
	h.Hub.Publish(r.Context(), ws.SessionID,
		models.WorkspaceStatusEvent(ws.ID, models.WorkspaceStandby, &standbyAt, ""))
	w.WriteHeader(http.StatusNoContent)
}

// WakeWorkspace brings a standby workspace back by restarting its
// container; if the host forgot it, the pending status hands it to the
// provision reconciler instead.
func (h *Handlers) WakeWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.getOwnedWorkspace(w, r)
	if !ok {
		return
	}
	moved, err := h.Store.UpdateWorkspaceStatusCAS(r.Context(), ws.ID,
		models.WorkspaceStandby, models.WorkspaceCreating, nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !moved {
		respondError(w, http.StatusConflict, "workspace is not on standby")
		return
	}

	if err := h.Compute.RestartWorkspace(computeclient.WithUserID(r.Context(), ws.UserID), ws.ID); err != nil {
		// hand it to the provision reconciler
		if _, casErr := h.Store.UpdateWorkspaceStatusCAS(r.Context(), ws.ID,
			models.WorkspaceCreating, models.WorkspacePending, nil); casErr != nil {
			log.Warn().Err(casErr).Str("workspace_id", ws.ID).Msg("wake fallback transition failed")
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": string(models.WorkspacePending)})
		return
	}

	if _, err := h.Store.UpdateWorkspaceStatusCAS(r.Context(), ws.ID,
		models.WorkspaceCreating, models.WorkspaceRunning, nil); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.Store.TouchWorkspaceActivity(r.Context(), ws.ID, time.Now().UTC()); err != nil {
		log.Debug().Err(err).Str("workspace_id", ws.ID).Msg("activity touch failed")
	}
	h.Hub.Publish(r.Context(), ws.SessionID,
		models.WorkspaceStatusEvent(ws.ID, models.WorkspaceRunning, nil, ""))
	respondJSON(w, http.StatusOK, map[string]string{"status": string(models.WorkspaceRunning)})
}

type scaleWorkspaceRequest struct {
	Tier string `json:"tier"`
}

// ScaleWorkspace moves a workspace to another resource tier. Live limits
// are applied in place; GPU attachment changes still need a recreate.
func (h *Handlers) ScaleWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.getOwnedWorkspace(w, r)
	if !ok {
		return
	}
	var req scaleWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tier == "" {
		respondError(w, http.StatusBadRequest, "tier is required")
		return
	}
	tier, found := tiers[req.Tier]
	if !found {
		respondError(w, http.StatusBadRequest, "unknown tier "+req.Tier)
		return
	}
	if tier.GPU.Enabled != ws.Tier.GPU.Enabled {
		respondError(w, http.StatusConflict, "changing GPU attachment requires a new workspace")
		return
	}

	if err := h.Compute.ScaleWorkspace(computeclient.WithUserID(r.Context(), ws.UserID), ws.ID, computeapi.ScaleRequest{
		CPUCores:  tier.CPUCores,
		MemoryMiB: tier.MemoryMiB,
		DiskGiB:   tier.DiskGiB,
	}); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	ws.Tier = tier
	if err := h.Store.UpdateWorkspace(r.Context(), ws); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("workspace_id", ws.ID).Str("tier", tier.Name).Msg("workspace scaled")
	respondJSON(w, http.StatusOK, ws)
}

// WorkspaceStats proxies a live usage sample from the compute host.
func (h *Handlers) WorkspaceStats(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.getOwnedWorkspace(w, r)
	if !ok {
		return
	}
	stats, err := h.Compute.WorkspaceStats(computeclient.WithUserID(r.Context(), ws.UserID), ws.ID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type workspaceExecRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	TimeoutS   int    `json:"timeout_s,omitempty"`
}

// ExecWorkspace runs one command in the workspace and returns the result.
func (h *Handlers) ExecWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.getOwnedWorkspace(w, r)
	if !ok {
		return
	}
	var req workspaceExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		respondError(w, http.StatusBadRequest, "command is required")
		return
	}
	res, err := h.Compute.Exec(computeclient.WithUserID(r.Context(), ws.UserID), ws.ID, computeapi.ExecRequest{
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		TimeoutS:   req.TimeoutS,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := h.Store.TouchWorkspaceActivity(r.Context(), ws.ID, time.Now().UTC()); err != nil {
		log.Debug().Err(err).Str("workspace_id", ws.ID).Msg("activity touch failed")
	}
	respondJSON(w, http.StatusOK, res)
}

var terminalProxyUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// TerminalProxy bridges the client's websocket to the compute host's
// terminal endpoint, attaching the internal key the browser never sees.
func (h *Handlers) TerminalProxy(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.getOwnedWorkspace(w, r)
	if !ok {
		return
	}

	backendURL := strings.Replace(h.ComputeURL, "http", "ws", 1) +
		"/api/v1/workspaces/" + ws.ID + "/terminal"
	if session := r.URL.Query().Get("session"); session != "" {
		backendURL += "?session=" + session
	}
	header := http.Header{}
	header.Set(computeapi.InternalKeyHeader, h.ComputeKey)
	header.Set(computeapi.UserIDHeader, ws.UserID)

	backend, resp, err := websocket.DefaultDialer.DialContext(r.Context(), backendURL, header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
		respondError(w, status, "terminal unavailable")
		return
	}
	defer backend.Close()

	client, err := terminalProxyUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("terminal upgrade failed")
		return
	}
	defer client.Close()

	errc := make(chan error, 2)
	pump := func(dst, src *websocket.Conn) {
		for {
			msgType, data, err := src.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			if err := dst.WriteMessage(msgType, data); err != nil {
				errc <- err
				return
			}
		}
	}
	go pump(backend, client)
	go pump(client, backend)
	<-errc
}

// ── Hosts (admin) ───────────────────────────────────────────

// ListHosts returns the registered compute hosts.
func (h *Handlers) ListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.Store.ListHosts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hosts == nil {
		hosts = []models.Host{}
	}
	respondJSON(w, http.StatusOK, hosts)
}

// RegisterHost adds a compute host to the fleet.
func (h *Handlers) RegisterHost(w http.ResponseWriter, r *http.Request) {
	var host models.Host
	if err := json.NewDecoder(r.Body).Decode(&host); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if host.Address == "" || host.Port == 0 {
		respondError(w, http.StatusBadRequest, "address and port are required")
		return
	}
	if host.ID == "" {
		host.ID = uuid.NewString()
	}
	host.RegisteredAt = time.Now().UTC()
	if err := h.Store.RegisterHost(r.Context(), &host); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("host_id", host.ID).Str("address", host.Address).Msg("host registered")
	respondJSON(w, http.StatusCreated, host)
}

// RemoveHost drops a host from the fleet.
func (h *Handlers) RemoveHost(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.RemoveHost(r.Context(), chi.URLParam(r, "hostID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
