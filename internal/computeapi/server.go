// Package computeapi is the HTTP surface of the compute host service. It
// exposes workspace lifecycle, exec, files, git, and terminal access to the
// control plane, authenticated with a shared internal key.
package computeapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/compute"
)

// Server holds the host service's dependencies.
type Server struct {
	driver   *compute.Driver
	pool     *compute.Pool
	registry *Registry
	apiKey   string
}

func NewServer(driver *compute.Driver, pool *compute.Pool, apiKey string) *Server {
	return &Server{
		driver:   driver,
		pool:     pool,
		registry: NewRegistry(),
		apiKey:   apiKey,
	}
}

// Router builds the chi router for the host service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "podex-compute-host"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireInternalKey)

		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", s.listWorkspaces)
			r.Post("/", s.createWorkspace)
			r.Route("/{workspaceID}", func(r chi.Router) {
				r.Get("/", s.getWorkspace)
				r.Delete("/", s.deleteWorkspace)
				r.Post("/stop", s.stopWorkspace)
				r.Post("/restart", s.restartWorkspace)
				r.Post("/heartbeat", s.heartbeatWorkspace)
				r.Post("/scale", s.scaleWorkspace)
				r.Get("/stats", s.workspaceStats)
				r.Post("/exec", s.execWorkspace)
				r.Post("/exec-stream", s.execStreamWorkspace)
				r.Get("/terminal", s.terminalWorkspace)
				s.mountFileRoutes(r)
				s.mountGitRoutes(r)
			})
		})

		r.Route("/hosts/{hostID}", func(r chi.Router) {
			r.Get("/stats", s.hostStats)
		})
	})
	return r
}

// requireInternalKey rejects requests without the shared internal key.
func (s *Server) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(InternalKeyHeader)
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid internal api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// entry resolves the workspace path parameter against the registry; a miss
// writes the 404 the control plane interprets as a forgotten workspace. A
// user-attributed request for someone else's workspace is a 403.
func (s *Server) entry(w http.ResponseWriter, r *http.Request) (*WorkspaceEntry, bool) {
	id := chi.URLParam(r, "workspaceID")
	e, ok := s.registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown workspace %q", id))
		return nil, false
	}
	if uid := r.Header.Get(UserIDHeader); uid != "" && e.UserID != "" && uid != e.UserID {
		respondError(w, http.StatusForbidden, "workspace belongs to another user")
		return nil, false
	}
	return e, true
}

func (s *Server) listWorkspaces(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkspaceID == "" || req.Spec.Image == "" {
		respondError(w, http.StatusBadRequest, "workspace_id and spec.image are required")
		return
	}

	hostID := req.HostID
	if hostID == "" {
		for _, conn := range s.pool.Hosts() {
			if s.pool.Healthy(conn.Host.ID) {
				hostID = conn.Host.ID
				break
			}
		}
	}
	if hostID == "" {
		respondError(w, http.StatusServiceUnavailable, "no healthy host available")
		return
	}

	homeDir, err := s.driver.SetupWorkspaceDir(r.Context(), req.WorkspaceID, req.Spec.DiskGiB)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	spec := req.Spec
	spec.Volumes = append(spec.Volumes, homeDir+":/home/dev")
	if spec.Name == "" {
		spec.Name = "podex-ws-" + req.WorkspaceID
	}

	containerID, err := s.driver.CreateContainer(r.Context(), hostID, spec)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.driver.StartContainer(r.Context(), hostID, containerID, spec.BandwidthMbps); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now().UTC()
	s.registry.Put(&WorkspaceEntry{
		WorkspaceID:   req.WorkspaceID,
		UserID:        req.Spec.Labels["podex.user.id"],
		HostID:        hostID,
		ContainerID:   containerID,
		HomeDir:       homeDir,
		BandwidthMbps: spec.BandwidthMbps,
		CreatedAt:     now,
		LastHeartbeat: now,
	})

	log.Info().Str("workspace_id", req.WorkspaceID).Str("host_id", hostID).
		Str("container_id", containerID).Msg("workspace created")
	respondJSON(w, http.StatusCreated, CreateWorkspaceResponse{
		WorkspaceID: req.WorkspaceID,
		HostID:      hostID,
		ContainerID: containerID,
		HomeDir:     homeDir,
	})
}

func (s *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if err := s.driver.RemoveContainer(r.Context(), e.HostID, e.ContainerID); err != nil {
		log.Warn().Err(err).Str("workspace_id", e.WorkspaceID).Msg("container removal failed")
	}
	if err := s.driver.CleanupWorkspaceDir(r.Context(), e.WorkspaceID); err != nil {
		log.Warn().Err(err).Str("workspace_id", e.WorkspaceID).Msg("workspace dir cleanup failed")
	}
	s.registry.Forget(e.WorkspaceID)
	log.Info().Str("workspace_id", e.WorkspaceID).Msg("workspace deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopWorkspace(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if err := s.driver.StopContainer(r.Context(), e.HostID, e.ContainerID, 10); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restartWorkspace(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if err := s.driver.StopContainer(r.Context(), e.HostID, e.ContainerID, 10); err != nil {
		log.Warn().Err(err).Str("workspace_id", e.WorkspaceID).Msg("stop before restart failed")
	}
	if err := s.driver.StartContainer(r.Context(), e.HostID, e.ContainerID, e.BandwidthMbps); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) heartbeatWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	if !s.registry.Heartbeat(id) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown workspace %q", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scaleWorkspace(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.driver.UpdateResources(r.Context(), e.HostID, e.ContainerID, req.CPUCores, req.MemoryMiB); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.DiskGiB > 0 {
		if err := s.driver.UpdateDiskLimit(r.Context(), e.WorkspaceID, req.DiskGiB); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	log.Info().Str("workspace_id", e.WorkspaceID).Float64("cpu", req.CPUCores).
		Int64("memory_mib", req.MemoryMiB).Msg("workspace scaled")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) workspaceStats(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	stats, err := s.driver.ContainerStats(r.Context(), e.HostID, e.ContainerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) execWorkspace(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkingDir == "" {
		req.WorkingDir = e.WorkDir
	}
	res, err := s.driver.Exec(r.Context(), e.HostID, e.ContainerID, req.Command,
		req.WorkingDir, time.Duration(req.TimeoutS)*time.Second)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) hostStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.driver.ServerStats(r.Context(), chi.URLParam(r, "hostID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encoding failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}
