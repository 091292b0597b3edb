// Package store provides the storage interface and implementations for the
// Podex control plane. Handler and reconciler code depends only on the
// interface, making it easy to swap between in-memory (tests, dev) and
// PostgreSQL (production) implementations.
package store

import (
	"context"
	"time"

	"github.com/podex/podex/pkg/models"
)

// Store is the primary storage interface for the control plane.
type Store interface {
	WorkspaceStore
	HostStore
	SessionStore
	AgentRowStore
	UserStore
	DeviceSessionStore
	QuotaStore
	UsageStore
	KnowledgeStore
	ToolConfigStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Workspaces ──────────────────────────────────────────────

type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	UpdateWorkspace(ctx context.Context, ws *models.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspacesByStatus(ctx context.Context, status models.WorkspaceStatus) ([]models.Workspace, error)

	// UpdateWorkspaceStatusCAS transitions status only if it still equals
	// from; returns false when another writer got there first. Reconcilers
	// use this to avoid racing API-initiated changes.
	UpdateWorkspaceStatusCAS(ctx context.Context, id string, from, to models.WorkspaceStatus, standbyAt *time.Time) (bool, error)

	// TouchWorkspaceActivity bumps last_activity.
	TouchWorkspaceActivity(ctx context.Context, id string, at time.Time) error
}

// ── Hosts ───────────────────────────────────────────────────

type HostStore interface {
	ListHosts(ctx context.Context) ([]models.Host, error)
	GetHost(ctx context.Context, id string) (*models.Host, error)
	RegisterHost(ctx context.Context, host *models.Host) error
	UpdateHostHealth(ctx context.Context, id string, healthy bool, lastError string) error
	RemoveHost(ctx context.Context, id string) error
}

// ── Sessions ────────────────────────────────────────────────

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
	ArchiveSession(ctx context.Context, id string, at time.Time) error
}

// ── Agent rows ──────────────────────────────────────────────

// AgentRowStore is the persisted agent view used by the watchdog; the live
// instance state belongs to the orchestrator cache.
type AgentRowStore interface {
	GetAgentRow(ctx context.Context, id string) (*models.AgentRow, error)
	UpsertAgentRow(ctx context.Context, row *models.AgentRow) error
	ListAgentRowsByStatus(ctx context.Context, status string) ([]models.AgentRow, error)
	SetAgentRowStatus(ctx context.Context, id, status string, at time.Time) error
}

// ── Users & device sessions ─────────────────────────────────

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
}

type DeviceSessionStore interface {
	GetDeviceSession(ctx context.Context, id string) (*models.DeviceSession, error)
	CreateDeviceSession(ctx context.Context, ds *models.DeviceSession) error
	UpdateDeviceSession(ctx context.Context, ds *models.DeviceSession) error
	RevokeUserDeviceSessions(ctx context.Context, userID string) error
}

// ── Quotas & usage ──────────────────────────────────────────

type QuotaStore interface {
	ListExpiredQuotas(ctx context.Context, now time.Time) ([]models.UsageQuota, error)
	ResetQuota(ctx context.Context, id string, nextReset time.Time) error
	AddQuotaUsage(ctx context.Context, userID, kind string, amount int64) error
}

type UsageStore interface {
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
}

// ── Knowledge ───────────────────────────────────────────────

// KnowledgeStore serves long-term memory snippets for agents. Retrieval is
// best effort; callers must tolerate errors.
type KnowledgeStore interface {
	RecentMemory(ctx context.Context, sessionID string, limit int) ([]models.MemorySnippet, error)
	SaveMemory(ctx context.Context, snippet *models.MemorySnippet) error
}

// ── Tool configuration ──────────────────────────────────────

type ToolConfigStore interface {
	// GetToolConfig returns the shared tool-category configuration.
	GetToolConfig(ctx context.Context) (*models.ToolConfig, error)
	PutToolConfig(ctx context.Context, cfg *models.ToolConfig) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
