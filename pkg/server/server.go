// Package server provides the public entry point for initializing the
// Podex control plane.
//
// It lives in pkg/ (not internal/) so downstream distributions can import
// it and compose the full server with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/api"
	"github.com/podex/podex/internal/api/handlers"
	"github.com/podex/podex/internal/approval"
	"github.com/podex/podex/internal/auth"
	"github.com/podex/podex/internal/computeclient"
	"github.com/podex/podex/internal/config"
	"github.com/podex/podex/internal/events"
	"github.com/podex/podex/internal/kv"
	"github.com/podex/podex/internal/llm"
	"github.com/podex/podex/internal/orchestrator"
	"github.com/podex/podex/internal/reconcile"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/internal/telemetry"
	"github.com/podex/podex/internal/toolexec"
	"github.com/podex/podex/internal/tools"
	"github.com/podex/podex/pkg/models"
)

// Server holds the initialized Podex control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (postgres, or memory when no database URL
	// is configured).
	Store store.Store

	// Orchestrator runs the agent loops; call Run in its own goroutine.
	Orchestrator *orchestrator.Orchestrator

	// Reconcilers drives the background loops; Start blocks until the
	// context is cancelled.
	Reconcilers *reconcile.Runner

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY is required")
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	kvStore, err := buildKV(ctx, cfg)
	if err != nil {
		return nil, err
	}

	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm,
		cfg.Auth.AccessTokenExpire, cfg.Auth.RefreshTokenExpire, kvStore, dataStore)

	bus, err := approval.NewKVBus(ctx, kvStore)
	if err != nil {
		return nil, fmt.Errorf("init approval bus: %w", err)
	}
	hub := events.NewHub(kvStore)
	wireApprovalEvents(bus, hub)

	compute := computeclient.New(cfg.Compute.ServiceURL, cfg.Compute.InternalAPIKey)

	llmRouter := llm.NewRouter(cfg.LLM.DefaultProvider, dataStore, dataStore, buildBackends(cfg)...)
	log.Info().Str("default_provider", cfg.LLM.DefaultProvider).Msg("✅ LLM router initialized")

	seedToolConfig(ctx, dataStore)
	registry := toolexec.NewRegistry()
	tools.RegisterWorkspace(registry, compute)
	tools.RegisterLocal(registry, dataStore)
	categories := toolexec.NewCategories(dataStore)

	orch := orchestrator.New(orchestrator.Config{
		MaxAgents:     cfg.Orch.MaxAgents,
		MaxTasks:      cfg.Orch.MaxTasks,
		MaxIterations: cfg.Orch.MaxIterations,
		AgentIdleTTL:  cfg.Orch.AgentIdleTTL,
		TaskTTL:       cfg.Orch.TaskTTL,
		Tools:         tools.Schemas(),
	}, llmRouter, categories, registry, bus, dataStore, dataStore, hub)
	log.Info().Int("max_agents", cfg.Orch.MaxAgents).Msg("✅ Orchestrator initialized")

	runner := buildReconcilers(cfg, dataStore, compute, hub, orch)

	h := handlers.New(dataStore, authSvc, orch, hub, compute, handlers.CookieConfig{
		Secure:   cfg.Auth.CookieSecure,
		SameSite: sameSite(cfg.Auth.CookieSameSite),
	}, cfg.Compute.ServiceURL, cfg.Compute.InternalAPIKey)
	router := api.NewRouter(cfg, h, authSvc)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Orchestrator: orch,
		Reconcilers:  runner,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// wireApprovalEvents forwards every pending approval onto the session
// channel so connected clients see the request the moment the executor
// starts waiting on it.
func wireApprovalEvents(bus approval.Bus, hub *events.Hub) {
	bus.SetCallback(func(ctx context.Context, req *models.ApprovalRequest) {
		hub.Publish(ctx, req.SessionID, models.ApprovalRequestEvent(req))
	})
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("✅ In-memory store initialized (no database URL)")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	log.Info().Int("max_connections", cfg.Database.MaxConnections).Msg("✅ Postgres store initialized")
	return pg, nil
}

func buildKV(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	if cfg.Redis.URL == "" {
		log.Info().Msg("✅ In-memory kv initialized (no redis URL)")
		return kv.NewMemoryStore(), nil
	}
	rs, err := kv.NewRedisStore(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	log.Info().Msg("✅ Redis kv initialized")
	return rs, nil
}

// buildBackends assembles every configured LLM backend; keys left unset
// simply leave that provider out of the router.
func buildBackends(cfg *config.Config) []llm.Backend {
	var backends []llm.Backend
	if cfg.LLM.AnthropicKey != "" {
		backends = append(backends, llm.NewAnthropicBackend(cfg.LLM.AnthropicKey,
			llm.WithAnthropicEndpoint(cfg.LLM.AnthropicBaseURL+"/v1/messages")))
	}
	if cfg.LLM.OpenAIKey != "" {
		backends = append(backends, llm.NewOpenAIBackend(cfg.LLM.OpenAIKey,
			llm.WithOpenAIBase(cfg.LLM.OpenAIBaseURL)))
	}
	if cfg.LLM.LocalBaseURL != "" {
		backends = append(backends, llm.NewOpenAIBackend("",
			llm.WithOpenAIName("local"), llm.WithOpenAIBase(cfg.LLM.LocalBaseURL)))
	}
	if cfg.LLM.CloudBaseURL != "" && cfg.LLM.CloudKey != "" {
		backends = append(backends, llm.NewAnthropicBackend(cfg.LLM.CloudKey,
			llm.WithAnthropicName("cloud"),
			llm.WithAnthropicEndpoint(cfg.LLM.CloudBaseURL+"/v1/messages")))
	}
	return backends
}

func buildReconcilers(cfg *config.Config, dataStore store.Store,
	compute *computeclient.Client, hub *events.Hub, orch *orchestrator.Orchestrator) *reconcile.Runner {

	deps := reconcile.Deps{Store: dataStore, Compute: compute, Hub: hub}
	probe := reconcile.NewHealthProbe(deps,
		cfg.Reconcile.HealthCheckTimeout, cfg.Reconcile.UnresponsiveThreshold)

	return reconcile.NewRunner(
		reconcile.Job{Name: "quota-reset", Interval: cfg.Reconcile.QuotaResetInterval,
			Run: reconcile.QuotaReset(deps)},
		reconcile.Job{Name: "standby", Interval: cfg.Reconcile.StandbyInterval,
			Run: reconcile.Standby(deps, cfg.Reconcile.StandbyTimeoutDefault)},
		reconcile.Job{Name: "provision", Interval: cfg.Reconcile.ProvisionInterval,
			Run: reconcile.Provision(deps)},
		reconcile.Job{Name: "agent-watchdog", Interval: cfg.Reconcile.WatchdogInterval,
			Run: reconcile.Watchdog(deps, orch, cfg.Reconcile.AgentTimeout)},
		reconcile.Job{Name: "container-health", Interval: cfg.Reconcile.HealthCheckInterval,
			Run: probe.Run},
		reconcile.Job{Name: "standby-cleanup", Interval: cfg.Reconcile.StandbyCleanupInterval,
			Run: reconcile.StandbyCleanup(deps, cfg.Reconcile.StandbyMaxHoursDefault)},
	)
}

// seedToolConfig installs the default tool-category table on first boot.
func seedToolConfig(ctx context.Context, s store.Store) {
	if _, err := s.GetToolConfig(ctx); err == nil {
		return
	}
	if err := s.PutToolConfig(ctx, tools.DefaultConfig()); err != nil {
		log.Warn().Err(err).Msg("failed to seed tool config")
		return
	}
	log.Info().Msg("✅ Default tool config seeded")
}

// sameSite maps the config string to the http constant; unknown values
// fall back to Lax.
func sameSite(v string) http.SameSite {
	switch v {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
