// Package config loads control-plane configuration from environment
// variables. Names use the PODEX_ prefix; a few legacy exact names
// (JWT_*, LLM_PROVIDER, COMPUTE_*) are kept for compatibility with
// existing deployments.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Podex control plane.
type Config struct {
	Port    int
	Version string

	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Compute   ComputeConfig
	Orch      OrchestratorConfig
	Reconcile ReconcileConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type RedisConfig struct {
	URL string // empty disables redis; kv and approval bus fall back to memory
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	JWTSecret          string
	JWTAlgorithm       string
	AccessTokenExpire  time.Duration
	RefreshTokenExpire time.Duration
	CookieSecure       bool
	CookieSameSite     string
}

type LLMConfig struct {
	DefaultProvider  string
	AnthropicKey     string
	AnthropicBaseURL string
	OpenAIKey        string
	OpenAIBaseURL    string
	LocalBaseURL     string
	CloudBaseURL     string // platform-hosted anthropic variant
	CloudKey         string
}

type ComputeConfig struct {
	Port           int // listen port for cmd/computehost
	ServiceURL     string
	InternalAPIKey string
	DataRoot       string
	Runtime        string // sandboxed runtime for non-GPU workspaces, e.g. runsc
	DockerWorkers  int
	Development    bool // dev hosts skip bandwidth shaping and XFS quotas
}

type OrchestratorConfig struct {
	MaxAgents     int
	MaxTasks      int
	MaxIterations int
	AgentIdleTTL  time.Duration
	TaskTTL       time.Duration
}

type ReconcileConfig struct {
	QuotaResetInterval     time.Duration
	StandbyInterval        time.Duration
	ProvisionInterval      time.Duration
	WatchdogInterval       time.Duration
	AgentTimeout           time.Duration
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	UnresponsiveThreshold  int
	StandbyCleanupInterval time.Duration
	StandbyMaxHoursDefault int // 0 disables standby cleanup
	StandbyTimeoutDefault  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PODEX_PORT", 8080),
		Version: envStr("PODEX_VERSION", "0.9.0"),
		Database: DatabaseConfig{
			URL:            envStr("PODEX_DATABASE_URL", ""),
			MaxConnections: envInt("PODEX_DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			URL: envStr("PODEX_REDIS_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "podex-control-plane"),
		},
		Auth: AuthConfig{
			JWTSecret:          envStr("JWT_SECRET_KEY", ""),
			JWTAlgorithm:       envStr("JWT_ALGORITHM", "HS256"),
			AccessTokenExpire:  time.Duration(envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 15)) * time.Minute,
			RefreshTokenExpire: time.Duration(envInt("REFRESH_TOKEN_EXPIRE_DAYS", 30)) * 24 * time.Hour,
			CookieSecure:       envBool("COOKIE_SECURE", true),
			CookieSameSite:     envStr("COOKIE_SAMESITE", "lax"),
		},
		LLM: LLMConfig{
			DefaultProvider:  envStr("LLM_PROVIDER", "anthropic"),
			AnthropicKey:     envStr("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: envStr("PODEX_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			OpenAIKey:        envStr("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    envStr("PODEX_OPENAI_BASE_URL", "https://api.openai.com/v1"),
			LocalBaseURL:     envStr("PODEX_LOCAL_LLM_URL", ""),
			CloudBaseURL:     envStr("PODEX_CLOUD_LLM_URL", ""),
			CloudKey:         envStr("PODEX_CLOUD_LLM_KEY", ""),
		},
		Compute: ComputeConfig{
			Port:           envInt("COMPUTE_PORT", 8090),
			ServiceURL:     envStr("COMPUTE_SERVICE_URL", "http://localhost:8090"),
			InternalAPIKey: envStr("COMPUTE_INTERNAL_API_KEY", ""),
			DataRoot:       envStr("PODEX_DATA_ROOT", "/var/lib/podex/workspaces"),
			Runtime:        envStr("PODEX_CONTAINER_RUNTIME", ""),
			DockerWorkers:  envInt("PODEX_DOCKER_WORKERS", 8),
			Development:    envBool("PODEX_DEVELOPMENT", false),
		},
		Orch: OrchestratorConfig{
			MaxAgents:     envInt("MAX_AGENTS", 100),
			MaxTasks:      envInt("MAX_TASKS", 10000),
			MaxIterations: envInt("PODEX_MAX_ITERATIONS", 10),
			AgentIdleTTL:  envDurSeconds("AGENT_IDLE_TTL_SECONDS", time.Hour),
			TaskTTL:       envDurSeconds("TASK_TTL_SECONDS", time.Hour),
		},
		Reconcile: ReconcileConfig{
			QuotaResetInterval:     envDurSeconds("PODEX_QUOTA_RESET_INTERVAL", 5*time.Minute),
			StandbyInterval:        envDurSeconds("PODEX_STANDBY_INTERVAL", time.Minute),
			ProvisionInterval:      envDurSeconds("PODEX_PROVISION_INTERVAL", time.Minute),
			WatchdogInterval:       envDurSeconds("AGENT_WATCHDOG_INTERVAL", time.Minute),
			AgentTimeout:           time.Duration(envInt("AGENT_TIMEOUT_MINUTES", 10)) * time.Minute,
			HealthCheckInterval:    envDurSeconds("CONTAINER_HEALTH_CHECK_INTERVAL", time.Minute),
			HealthCheckTimeout:     envDurSeconds("CONTAINER_HEALTH_CHECK_TIMEOUT", 10*time.Second),
			UnresponsiveThreshold:  envInt("CONTAINER_UNRESPONSIVE_THRESHOLD", 3),
			StandbyCleanupInterval: envDurSeconds("STANDBY_CLEANUP_INTERVAL", time.Hour),
			StandbyMaxHoursDefault: envInt("STANDBY_MAX_HOURS_DEFAULT", 48),
			StandbyTimeoutDefault:  time.Duration(envInt("PODEX_STANDBY_TIMEOUT_MINUTES", 60)) * time.Minute,
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDurSeconds reads an integer number of seconds.
func envDurSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}
