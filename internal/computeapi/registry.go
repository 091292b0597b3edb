package computeapi

import (
	"sync"
	"time"
)

// defaultWorkDir is where workspace images mount the project tree.
const defaultWorkDir = "/workspace"

// WorkspaceEntry is the host service's record of a managed workspace.
// The registry is in-memory: after a restart the service answers 404 for
// previously known workspaces, which the control plane's provision
// reconciler treats as "host forgot it" and reprovisions.
type WorkspaceEntry struct {
	WorkspaceID   string    `json:"workspace_id"`
	UserID        string    `json:"user_id,omitempty"`
	HostID        string    `json:"host_id"`
	ContainerID   string    `json:"container_id"`
	WorkDir       string    `json:"work_dir"`
	HomeDir       string    `json:"home_dir,omitempty"`
	BandwidthMbps int64     `json:"bandwidth_mbps,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry maps workspace ids to their containers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*WorkspaceEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*WorkspaceEntry)}
}

func (r *Registry) Put(e *WorkspaceEntry) {
	if e.WorkDir == "" {
		e.WorkDir = defaultWorkDir
	}
	r.mu.Lock()
	r.entries[e.WorkspaceID] = e
	r.mu.Unlock()
}

func (r *Registry) Get(workspaceID string) (*WorkspaceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[workspaceID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

func (r *Registry) Forget(workspaceID string) {
	r.mu.Lock()
	delete(r.entries, workspaceID)
	r.mu.Unlock()
}

func (r *Registry) Heartbeat(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[workspaceID]
	if !ok {
		return false
	}
	e.LastHeartbeat = time.Now().UTC()
	return true
}

func (r *Registry) List() []WorkspaceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkspaceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}
