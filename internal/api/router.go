// Package api assembles the control plane's HTTP router.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/podex/podex/internal/api/handlers"
	"github.com/podex/podex/internal/api/middleware"
	"github.com/podex/podex/internal/auth"
	"github.com/podex/podex/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authSvc *auth.Service) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	authMW := middleware.NewAuth(authSvc)

	r.Route("/api/v1", func(r chi.Router) {
		// Auth flows; refresh and login carry their own credentials
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.Post("/refresh", h.Refresh)
			r.Post("/logout", h.Logout)
		})

		// Everything else needs a valid access token
		r.Group(func(r chi.Router) {
			r.Use(authMW.Handler)

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/", h.SubmitTask)
				r.Get("/{taskID}", h.GetTask)
				r.Delete("/{taskID}", h.CancelTask)
			})
			r.Post("/delegate", h.Delegate)
			r.Post("/agents/{agentID}/cancel", h.CancelAgentTasks)
			r.Post("/approvals/{approvalID}", h.ResolveApproval)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.CreateSession)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", h.GetSession)
					r.Post("/archive", h.ArchiveSession)
					r.Get("/events", h.SessionEvents)
				})
			})

			r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
				r.Get("/", h.GetWorkspace)
				r.Post("/standby", h.StandbyWorkspace)
				r.Post("/wake", h.WakeWorkspace)
				r.Post("/scale", h.ScaleWorkspace)
				r.Get("/stats", h.WorkspaceStats)
				r.Post("/exec", h.ExecWorkspace)
				r.Get("/terminal", h.TerminalProxy)
			})

			r.Route("/hosts", func(r chi.Router) {
				r.Use(middleware.RequireRole("admin"))
				r.Get("/", h.ListHosts)
				r.Post("/", h.RegisterHost)
				r.Delete("/{hostID}", h.RemoveHost)
			})
		})
	})

	return otelhttp.NewHandler(r, "podex-api")
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "podex-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "podex-control-plane",
		})
	}
}
