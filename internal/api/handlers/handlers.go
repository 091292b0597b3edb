// Package handlers implements the HTTP handlers for the Podex control
// plane: auth flows, task submission, approvals, sessions, workspaces, and
// host administration.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/auth"
	"github.com/podex/podex/internal/computeclient"
	"github.com/podex/podex/internal/events"
	"github.com/podex/podex/internal/orchestrator"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

// CookieConfig controls the refresh-token cookie attributes.
type CookieConfig struct {
	Secure   bool
	SameSite http.SameSite
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store   store.Store
	Auth    *auth.Service
	Orch    *orchestrator.Orchestrator
	Hub     *events.Hub
	Compute *computeclient.Client
	Cookies CookieConfig

	// compute host endpoint for the terminal websocket proxy
	ComputeURL string
	ComputeKey string
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, authSvc *auth.Service, orch *orchestrator.Orchestrator, hub *events.Hub, compute *computeclient.Client, cookies CookieConfig, computeURL, computeKey string) *Handlers {
	return &Handlers{
		Store:      s,
		Auth:       authSvc,
		Orch:       orch,
		Hub:        hub,
		Compute:    compute,
		Cookies:    cookies,
		ComputeURL: computeURL,
		ComputeKey: computeKey,
	}
}

// tiers is the built-in resource tier catalog. GPU workspaces always land
// on x86_64 hosts.
var tiers = map[string]models.ResourceTier{
	"starter":  {Name: "starter", CPUCores: 1, MemoryMiB: 2048, DiskGiB: 10, BandwidthMbps: 50},
	"standard": {Name: "standard", CPUCores: 2, MemoryMiB: 4096, DiskGiB: 20, BandwidthMbps: 100},
	"pro":      {Name: "pro", CPUCores: 4, MemoryMiB: 8192, DiskGiB: 50, BandwidthMbps: 200},
	"gpu": {Name: "gpu", CPUCores: 8, MemoryMiB: 16384, DiskGiB: 100, BandwidthMbps: 500,
		GPU: models.GPUSpec{Enabled: true, Count: 1}},
}

const defaultWorkspaceImage = "podex/workspace"

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encoding failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondStoreError maps not-found to 404 and everything else to 500.
func respondStoreError(w http.ResponseWriter, err error) {
	if store.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
