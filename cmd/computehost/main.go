// Podex compute host — the per-machine agent that owns workspace
// containers. It exposes exec, streaming exec, files, git, and terminal
// access over HTTP to the control plane, backed by the local Docker
// daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/compute"
	"github.com/podex/podex/internal/computeapi"
	"github.com/podex/podex/internal/config"
	"github.com/podex/podex/internal/telemetry"
	"github.com/podex/podex/pkg/models"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	if cfg.Compute.InternalAPIKey == "" {
		log.Fatal().Msg("COMPUTE_INTERNAL_API_KEY is required")
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	defer shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// dev hosts skip tc shaping and XFS quotas
	production := !cfg.Compute.Development

	pool := compute.NewPool(int64(cfg.Compute.DockerWorkers))
	driver := compute.NewDriver(pool,
		compute.NewShaper(production),
		compute.NewQuotaManager(production, cfg.Compute.DataRoot),
		cfg.Compute.Runtime)

	hostname, _ := os.Hostname()
	local := models.Host{
		ID:           "local",
		Hostname:     hostname,
		RegisteredAt: time.Now().UTC(),
	}
	if err := pool.AddHost(ctx, local); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the local docker daemon")
	}
	go pool.RunHealthLoop(ctx, 30*time.Second, 5*time.Second)

	srv := computeapi.NewServer(driver, pool, cfg.Compute.InternalAPIKey)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Compute.Port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // exec streams and terminals hold connections open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", cfg.Compute.Port).
		Bool("development", cfg.Compute.Development).
		Str("data_root", cfg.Compute.DataRoot).
		Msg("Podex compute host ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
