package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/podex/podex/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store used by tests and
// zero-configuration development.
type MemoryStore struct {
	mu             sync.RWMutex
	workspaces     map[string]*models.Workspace
	hosts          map[string]*models.Host
	sessions       map[string]*models.Session
	agentRows      map[string]*models.AgentRow
	users          map[string]*models.User
	usersByEmail   map[string]string
	deviceSessions map[string]*models.DeviceSession
	quotas         map[string]*models.UsageQuota
	usage          []models.UsageRecord
	memory         map[string][]models.MemorySnippet // key: session id
	toolConfig     *models.ToolConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:     make(map[string]*models.Workspace),
		hosts:          make(map[string]*models.Host),
		sessions:       make(map[string]*models.Session),
		agentRows:      make(map[string]*models.AgentRow),
		users:          make(map[string]*models.User),
		usersByEmail:   make(map[string]string),
		deviceSessions: make(map[string]*models.DeviceSession),
		quotas:         make(map[string]*models.UsageQuota),
		memory:         make(map[string][]models.MemorySnippet),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

// ── Workspaces ──────────────────────────────────────────────

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "workspace", Key: id}
	}
	cp := *ws
	return &cp, nil
}

func (s *MemoryStore) CreateWorkspace(_ context.Context, ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateWorkspace(_ context.Context, ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; !ok {
		return &ErrNotFound{Entity: "workspace", Key: ws.ID}
	}
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteWorkspace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return &ErrNotFound{Entity: "workspace", Key: id}
	}
	delete(s.workspaces, id)
	return nil
}

func (s *MemoryStore) ListWorkspacesByStatus(_ context.Context, status models.WorkspaceStatus) ([]models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Workspace
	for _, ws := range s.workspaces {
		if ws.Status == status {
			out = append(out, *ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateWorkspaceStatusCAS(_ context.Context, id string, from, to models.WorkspaceStatus, standbyAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return false, &ErrNotFound{Entity: "workspace", Key: id}
	}
	if ws.Status != from {
		return false, nil
	}
	ws.Status = to
	ws.StandbyAt = standbyAt
	return true, nil
}

func (s *MemoryStore) TouchWorkspaceActivity(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return &ErrNotFound{Entity: "workspace", Key: id}
	}
	ws.LastActivity = at
	return nil
}

// ── Hosts ───────────────────────────────────────────────────

func (s *MemoryStore) ListHosts(context.Context) ([]models.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetHost(_ context.Context, id string) (*models.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "host", Key: id}
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) RegisterHost(_ context.Context, host *models.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *host
	s.hosts[host.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateHostHealth(_ context.Context, id string, healthy bool, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return &ErrNotFound{Entity: "host", Key: id}
	}
	h.Healthy = healthy
	h.LastError = lastError
	return nil
}

func (s *MemoryStore) RemoveHost(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, id)
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return &ErrNotFound{Entity: "session", Key: sess.ID}
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) ListActiveSessions(context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Active && !sess.Archived {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ArchiveSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	sess.Active = false
	sess.Archived = true
	sess.ArchivedAt = &at
	sess.WorkspaceID = ""
	return nil
}

// ── Agent rows ──────────────────────────────────────────────

func (s *MemoryStore) GetAgentRow(_ context.Context, id string) (*models.AgentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.agentRows[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) UpsertAgentRow(_ context.Context, row *models.AgentRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.agentRows[row.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAgentRowsByStatus(_ context.Context, status string) ([]models.AgentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AgentRow
	for _, row := range s.agentRows {
		if row.Status == status {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetAgentRowStatus(_ context.Context, id, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.agentRows[id]
	if !ok {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	row.Status = status
	row.StatusChangedAt = at
	return nil
}

// ── Users & device sessions ─────────────────────────────────

func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: email}
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	s.usersByEmail[u.Email] = u.ID
	return nil
}

func (s *MemoryStore) GetDeviceSession(_ context.Context, id string) (*models.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.deviceSessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "device session", Key: id}
	}
	cp := *ds
	return &cp, nil
}

func (s *MemoryStore) CreateDeviceSession(_ context.Context, ds *models.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ds
	s.deviceSessions[ds.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateDeviceSession(_ context.Context, ds *models.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deviceSessions[ds.ID]; !ok {
		return &ErrNotFound{Entity: "device session", Key: ds.ID}
	}
	cp := *ds
	s.deviceSessions[ds.ID] = &cp
	return nil
}

func (s *MemoryStore) RevokeUserDeviceSessions(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ds := range s.deviceSessions {
		if ds.UserID == userID {
			ds.Revoked = true
		}
	}
	return nil
}

// ── Quotas & usage ──────────────────────────────────────────

func (s *MemoryStore) ListExpiredQuotas(_ context.Context, now time.Time) ([]models.UsageQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UsageQuota
	for _, q := range s.quotas {
		if q.ResetAt.Before(now) {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ResetQuota(_ context.Context, id string, nextReset time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[id]
	if !ok {
		return &ErrNotFound{Entity: "quota", Key: id}
	}
	q.CurrentUsage = 0
	q.ResetAt = nextReset
	return nil
}

func (s *MemoryStore) AddQuotaUsage(_ context.Context, userID, kind string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.quotas {
		if q.UserID == userID && q.Kind == kind {
			q.CurrentUsage += amount
			return nil
		}
	}
	return nil
}

// PutQuota seeds a quota row; used by tests and dev setup.
func (s *MemoryStore) PutQuota(q *models.UsageQuota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.quotas[q.ID] = &cp
}

// GetQuota returns a quota row by id; used by tests.
func (s *MemoryStore) GetQuota(id string) *models.UsageQuota {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[id]
	if !ok {
		return nil
	}
	cp := *q
	return &cp
}

func (s *MemoryStore) RecordUsage(_ context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, *rec)
	return nil
}

// UsageRecords returns all recorded usage; used by tests.
func (s *MemoryStore) UsageRecords() []models.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.UsageRecord(nil), s.usage...)
}

// ── Knowledge ───────────────────────────────────────────────

func (s *MemoryStore) RecentMemory(_ context.Context, sessionID string, limit int) ([]models.MemorySnippet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snippets := s.memory[sessionID]
	if limit > 0 && len(snippets) > limit {
		snippets = snippets[len(snippets)-limit:]
	}
	return append([]models.MemorySnippet(nil), snippets...), nil
}

func (s *MemoryStore) SaveMemory(_ context.Context, snippet *models.MemorySnippet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[snippet.SessionID] = append(s.memory[snippet.SessionID], *snippet)
	return nil
}

// ── Tool configuration ──────────────────────────────────────

func (s *MemoryStore) GetToolConfig(context.Context) (*models.ToolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.toolConfig == nil {
		return nil, &ErrNotFound{Entity: "tool config", Key: "global"}
	}
	cp := *s.toolConfig
	return &cp, nil
}

func (s *MemoryStore) PutToolConfig(_ context.Context, cfg *models.ToolConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.toolConfig = &cp
	return nil
}
