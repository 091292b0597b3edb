package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex/podex/pkg/models"
)

func TestWorkspaceCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetWorkspace(ctx, "ws-1")
	assert.True(t, IsNotFound(err))

	ws := &models.Workspace{
		ID:        "ws-1",
		SessionID: "sess-1",
		UserID:    "u-1",
		Status:    models.WorkspaceCreating,
		Image:     "podex/workspace:latest",
		Tier:      models.ResourceTier{Name: "standard", CPUCores: 2, MemoryMiB: 4096},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	got, err := s.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceCreating, got.Status)
	assert.Equal(t, "standard", got.Tier.Name)

	// mutating the returned copy must not affect the stored row
	got.Status = models.WorkspaceError
	again, err := s.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceCreating, again.Status)

	ws.Status = models.WorkspaceRunning
	require.NoError(t, s.UpdateWorkspace(ctx, ws))

	running, err := s.ListWorkspacesByStatus(ctx, models.WorkspaceRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "ws-1", running[0].ID)

	require.NoError(t, s.DeleteWorkspace(ctx, "ws-1"))
	assert.True(t, IsNotFound(s.DeleteWorkspace(ctx, "ws-1")))
}

func TestWorkspaceStatusCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateWorkspace(ctx, &models.Workspace{
		ID:     "ws-1",
		Status: models.WorkspaceRunning,
	}))

	standbyAt := time.Now()
	ok, err := s.UpdateWorkspaceStatusCAS(ctx, "ws-1", models.WorkspaceRunning, models.WorkspaceStandby, &standbyAt)
	require.NoError(t, err)
	assert.True(t, ok)

	// second writer loses the race
	ok, err = s.UpdateWorkspaceStatusCAS(ctx, "ws-1", models.WorkspaceRunning, models.WorkspaceError, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ws, err := s.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceStandby, ws.Status)
	require.NotNil(t, ws.StandbyAt)
}

func TestSessionArchive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &models.Session{
		ID:          "sess-1",
		UserID:      "u-1",
		WorkspaceID: "ws-1",
		Active:      true,
	}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{
		ID:     "sess-2",
		UserID: "u-1",
		Active: true,
	}))

	active, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	at := time.Now()
	require.NoError(t, s.ArchiveSession(ctx, "sess-1", at))

	active, err = s.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sess-2", active[0].ID)

	archived, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, archived.Archived)
	assert.Empty(t, archived.WorkspaceID)
	require.NotNil(t, archived.ArchivedAt)
}

func TestAgentRowsByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertAgentRow(ctx, &models.AgentRow{ID: "a-1", Status: "running"}))
	require.NoError(t, s.UpsertAgentRow(ctx, &models.AgentRow{ID: "a-2", Status: "idle"}))
	require.NoError(t, s.UpsertAgentRow(ctx, &models.AgentRow{ID: "a-3", Status: "running"}))

	running, err := s.ListAgentRowsByStatus(ctx, "running")
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "a-1", running[0].ID)
	assert.Equal(t, "a-3", running[1].ID)

	at := time.Now()
	require.NoError(t, s.SetAgentRowStatus(ctx, "a-1", "error", at))
	row, err := s.GetAgentRow(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "error", row.Status)
	assert.Equal(t, at, row.StatusChangedAt)
}

func TestUserLookupByEmail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &models.User{
		ID:    "u-1",
		Email: "dev@example.com",
		Role:  "user",
	}))

	u, err := s.GetUserByEmail(ctx, "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)

	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.True(t, IsNotFound(err))
}

func TestRevokeUserDeviceSessions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateDeviceSession(ctx, &models.DeviceSession{ID: "d-1", UserID: "u-1"}))
	require.NoError(t, s.CreateDeviceSession(ctx, &models.DeviceSession{ID: "d-2", UserID: "u-1"}))
	require.NoError(t, s.CreateDeviceSession(ctx, &models.DeviceSession{ID: "d-3", UserID: "u-2"}))

	require.NoError(t, s.RevokeUserDeviceSessions(ctx, "u-1"))

	for _, tc := range []struct {
		id      string
		revoked bool
	}{
		{"d-1", true},
		{"d-2", true},
		{"d-3", false},
	} {
		ds, err := s.GetDeviceSession(ctx, tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.revoked, ds.Revoked, tc.id)
	}
}

func TestQuotaResetCycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.PutQuota(&models.UsageQuota{
		ID:          "q-1",
		UserID:      "u-1",
		Kind:        "tokens",
		Limit:       100000,
		ResetAt:     now.Add(-time.Hour),
		PeriodHours: 24,
	})
	s.PutQuota(&models.UsageQuota{
		ID:      "q-2",
		UserID:  "u-2",
		Kind:    "tokens",
		ResetAt: now.Add(time.Hour),
	})

	require.NoError(t, s.AddQuotaUsage(ctx, "u-1", "tokens", 500))
	assert.Equal(t, int64(500), s.GetQuota("q-1").CurrentUsage)

	expired, err := s.ListExpiredQuotas(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "q-1", expired[0].ID)

	next := now.Add(24 * time.Hour)
	require.NoError(t, s.ResetQuota(ctx, "q-1", next))
	q := s.GetQuota("q-1")
	assert.Zero(t, q.CurrentUsage)
	assert.Equal(t, next, q.ResetAt)
}

func TestRecentMemoryLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveMemory(ctx, &models.MemorySnippet{
			ID:        string(rune('a' + i)),
			SessionID: "sess-1",
			Content:   "note",
		}))
	}

	snippets, err := s.RecentMemory(ctx, "sess-1", 3)
	require.NoError(t, err)
	assert.Len(t, snippets, 3)

	none, err := s.RecentMemory(ctx, "sess-2", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}
