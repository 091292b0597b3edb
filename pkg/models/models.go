// Package models defines the shared data model for the Podex control plane:
// tasks, conversation messages, approvals, workspaces, hosts, and the
// supporting session/auth records. Entities are specified by semantics, not
// storage layout; the store package owns persistence.
package models

import "time"

// ── Agent modes ─────────────────────────────────────────────

// Mode is an agent's permission profile.
type Mode string

const (
	ModePlan      Mode = "plan"
	ModeAsk       Mode = "ask"
	ModeAuto      Mode = "auto"
	ModeSovereign Mode = "sovereign"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePlan, ModeAsk, ModeAuto, ModeSovereign:
		return true
	}
	return false
}

// ── Tasks ───────────────────────────────────────────────────

// TaskStatus is the lifecycle state of an orchestrator task.
// Transitions only move forward: pending → running → completed|failed.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one user-message-to-response cycle processed by the orchestrator.
type Task struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	AgentID    string            `json:"agent_id"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context,omitempty"`
	Status     TaskStatus        `json:"status"`
	Result     string            `json:"result,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	Error      string            `json:"error,omitempty"`
	TokensUsed int64             `json:"tokens_used"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TaskSpec is what callers submit; the orchestrator assigns id and status.
type TaskSpec struct {
	SessionID        string            `json:"session_id"`
	AgentID          string            `json:"agent_id"`
	Role             string            `json:"role,omitempty"`
	Model            string            `json:"model,omitempty"`
	Mode             Mode              `json:"mode,omitempty"`
	Message          string            `json:"message"`
	Context          map[string]string `json:"context,omitempty"`
	CommandAllowlist []string          `json:"command_allowlist,omitempty"`
	WorkspaceID      string            `json:"workspace_id,omitempty"`
	UserID           string            `json:"user_id,omitempty"`
	UserAPIKeys      map[string]string `json:"-"`
}

// ── Messages & tool calls ───────────────────────────────────

// Message is one entry in an agent's conversation history. Messages are
// appended per step and never mutated.
type Message struct {
	Role       string     `json:"role"` // user | assistant | system | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a vendor-independent tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSchema is the unified tool definition shape handed to providers.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ── Approvals ───────────────────────────────────────────────

// ApprovalActionType classifies what a gated tool call would do.
type ApprovalActionType string

const (
	ApprovalFileWrite      ApprovalActionType = "file_write"
	ApprovalCommandExecute ApprovalActionType = "command_execute"
	ApprovalOther          ApprovalActionType = "other"
)

// ApprovalRequest is an out-of-band user confirmation for a gated tool call.
// It is resolved exactly once; late resolutions are discarded.
type ApprovalRequest struct {
	ID                string             `json:"approval_id"`
	AgentID           string             `json:"agent_id"`
	SessionID         string             `json:"session_id"`
	ToolName          string             `json:"tool_name"`
	ActionType        ApprovalActionType `json:"action_type"`
	Arguments         map[string]any     `json:"arguments"`
	CanAddToAllowlist bool               `json:"can_add_to_allowlist"`
	CreatedAt         time.Time          `json:"created_at"`
}

// ApprovalResolution carries the user's decision back to the waiter.
type ApprovalResolution struct {
	ApprovalID     string `json:"approval_id"`
	Approved       bool   `json:"approved"`
	AddToAllowlist bool   `json:"add_to_allowlist"`
}

// ── Workspaces ──────────────────────────────────────────────

// WorkspaceStatus is the lifecycle state of a workspace container.
type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "creating"
	WorkspacePending  WorkspaceStatus = "pending"
	WorkspaceRunning  WorkspaceStatus = "running"
	WorkspaceStandby  WorkspaceStatus = "standby"
	WorkspaceError    WorkspaceStatus = "error"
	WorkspaceDeleted  WorkspaceStatus = "deleted"
)

// ResourceTier bounds a workspace's resources. Bandwidth is egress-shaped on
// the host side so it cannot be bypassed from inside the container.
type ResourceTier struct {
	Name          string  `json:"name"`
	CPUCores      float64 `json:"cpu_cores"`
	MemoryMiB     int64   `json:"memory_mib"`
	DiskGiB       int64   `json:"disk_gib"`
	BandwidthMbps int64   `json:"bandwidth_mbps"`
	GPU           GPUSpec `json:"gpu,omitempty"`
}

// GPUSpec requests GPU access for a workspace. Count 0 with Enabled means all.
type GPUSpec struct {
	Enabled bool   `json:"enabled"`
	Count   int    `json:"count,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Workspace is a per-session container with its own filesystem, network and
// resource limits, living on exactly one host at a time.
type Workspace struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id"`
	HostID       string          `json:"host_id"`
	ContainerID  string          `json:"container_id,omitempty"`
	Status       WorkspaceStatus `json:"status"`
	Image        string          `json:"image"`
	Template     string          `json:"template,omitempty"`
	Tier         ResourceTier    `json:"tier"`
	LastActivity time.Time       `json:"last_activity"`
	StandbyAt    *time.Time      `json:"standby_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ContainerSpec is the driver-level description of a workspace container.
type ContainerSpec struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	CPULimit      float64           `json:"cpu_limit"`
	MemoryMiB     int64             `json:"memory_mib"`
	DiskGiB       int64             `json:"disk_gib"`
	BandwidthMbps int64             `json:"bandwidth_mbps"`
	Env           map[string]string `json:"env,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Ports         map[string]string `json:"ports,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Network       string            `json:"network,omitempty"`
	Runtime       string            `json:"runtime,omitempty"`
	GPU           GPUSpec           `json:"gpu,omitempty"`
}

// ContainerStats is one parsed sample of a container's resource usage.
// CPUPercent is a delta calculation; the first sample reads 0.
type ContainerStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	CPULimitCores float64   `json:"cpu_limit_cores"`
	MemUsedMiB    float64   `json:"mem_used_mib"`
	MemLimitMiB   float64   `json:"mem_limit_mib"`
	MemPercent    float64   `json:"mem_percent"`
	NetRxMiB      float64   `json:"net_rx_mib"`
	NetTxMiB      float64   `json:"net_tx_mib"`
	DiskReadMiB   float64   `json:"disk_read_mib"`
	DiskWriteMiB  float64   `json:"disk_write_mib"`
	UptimeS       int64     `json:"uptime_s"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ── Hosts ───────────────────────────────────────────────────

// Host is a machine running a Docker-compatible daemon. An unhealthy host is
// excluded from scheduling.
type Host struct {
	ID               string            `json:"id"`
	Hostname         string            `json:"hostname"`
	Address          string            `json:"address"`
	Port             int               `json:"port"`
	Architecture     string            `json:"architecture"` // amd64 | arm64
	TLSEnabled       bool              `json:"tls_enabled"`
	CertPath         string            `json:"cert_path,omitempty"`
	HasGPU           bool              `json:"has_gpu"`
	Labels           map[string]string `json:"labels,omitempty"`
	TotalCPU         float64           `json:"total_cpu"`
	TotalMemoryMiB   int64             `json:"total_memory_mib"`
	TotalDiskGiB     int64             `json:"total_disk_gib"`
	Healthy          bool              `json:"healthy"`
	LastError        string            `json:"last_error,omitempty"`
	RegisteredAt     time.Time         `json:"registered_at"`
	ActiveWorkspaces int               `json:"active_workspaces"`
}

// ServerStats summarizes a host's capacity and reservation.
type ServerStats struct {
	TotalCPU         float64 `json:"total_cpu"`
	TotalMemoryMiB   int64   `json:"total_memory_mib"`
	TotalDiskGiB     int64   `json:"total_disk_gib"`
	UsedCPU          float64 `json:"used_cpu"`
	UsedMemoryMiB    int64   `json:"used_memory_mib"`
	UsedDiskGiB      int64   `json:"used_disk_gib"`
	ActiveWorkspaces int     `json:"active_workspaces"`
	HasGPU           bool    `json:"has_gpu"`
	GPUType          string  `json:"gpu_type,omitempty"`
	GPUCount         int     `json:"gpu_count,omitempty"`
	Architecture     string  `json:"architecture"`
	Status           string  `json:"status"`
}

// ExecResult is the outcome of one command run inside a workspace.
// A timed-out command reports exit code 124.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// FileEntry describes one directory listing entry.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ── Git ─────────────────────────────────────────────────────

// GitStatus is a parsed `git status --porcelain -b` snapshot.
type GitStatus struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Staged    []string `json:"staged"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
}

// GitCommit is one entry of the commit log.
type GitCommit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
}

// GitBranch is one local branch.
type GitBranch struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

// GitDiffStat is one file's numstat line. Binary files report -1.
type GitDiffStat struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// BranchCompare reports how two branches have diverged: commits unique to
// each side plus the per-file diff stat between them.
type BranchCompare struct {
	Base    string        `json:"base"`
	Head    string        `json:"head"`
	Ahead   int           `json:"ahead"`
	Behind  int           `json:"behind"`
	Commits []GitCommit   `json:"commits,omitempty"`
	Files   []GitDiffStat `json:"files,omitempty"`
}

// MergePreview is the outcome of a dry-run merge that is always aborted.
type MergePreview struct {
	Clean     bool     `json:"clean"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// ── Sessions & agents (persisted rows) ──────────────────────

// Session ties a user, a workspace and a set of agents together.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	WorkspaceID    string     `json:"workspace_id,omitempty"`
	Title          string     `json:"title,omitempty"`
	Active         bool       `json:"active"`
	Archived       bool       `json:"archived"`
	StandbyMinutes int        `json:"standby_minutes,omitempty"` // 0 = user default
	Image          string     `json:"image,omitempty"`
	Template       string     `json:"template,omitempty"`
	TierName       string     `json:"tier_name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivity   time.Time  `json:"last_activity"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

// AgentRow is the persisted view of an agent used by the watchdog; the live
// instance lives in the orchestrator's cache.
type AgentRow struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Role            string    `json:"role"`
	Model           string    `json:"model"`
	Mode            Mode      `json:"mode"`
	Status          string    `json:"status"` // idle | running | error
	StatusChangedAt time.Time `json:"status_changed_at"`
}

// MemorySnippet is a long-term memory fragment retrieved for an agent.
type MemorySnippet struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Usage & quotas ──────────────────────────────────────────

// UsageSource classifies who pays for a model call.
type UsageSource string

const (
	UsageIncluded UsageSource = "included"
	UsageExternal UsageSource = "external"
	UsageLocal    UsageSource = "local"
)

// UsageRecord is one model call's token accounting.
type UsageRecord struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	SessionID    string      `json:"session_id,omitempty"`
	WorkspaceID  string      `json:"workspace_id,omitempty"`
	AgentID      string      `json:"agent_id,omitempty"`
	Model        string      `json:"model"`
	Provider     string      `json:"provider"`
	Source       UsageSource `json:"usage_source"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	TotalTokens  int64       `json:"total_tokens"`
	CreatedAt    time.Time   `json:"created_at"`
}

// UsageQuota is a periodically-reset usage allowance.
type UsageQuota struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Kind         string    `json:"kind"` // tokens | compute_minutes
	Limit        int64     `json:"limit"`
	CurrentUsage int64     `json:"current_usage"`
	ResetAt      time.Time `json:"reset_at"`
	PeriodHours  int       `json:"period_hours"`
}

// ── Users & auth ────────────────────────────────────────────

// User is the minimal account record the core needs for auth flows.
type User struct {
	ID                    string    `json:"id"`
	Email                 string    `json:"email"`
	PasswordHash          string    `json:"-"`
	Role                  string    `json:"role"`
	StandbyTimeoutMinutes int       `json:"standby_timeout_minutes,omitempty"` // 0 = platform default
	StandbyMaxHours       int       `json:"standby_max_hours,omitempty"`       // 0 = platform default
	CreatedAt             time.Time `json:"created_at"`
}

// DeviceSession tracks one refresh-token chain for a device.
type DeviceSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IP         string    `json:"ip,omitempty"`
	CurrentJTI string    `json:"current_jti"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// TokenPair is what login and refresh hand back.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ── Events ──────────────────────────────────────────────────

// Event is one message on a session's event channel.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"-"`
}

// AgentStatusEvent announces an agent state change.
func AgentStatusEvent(agentID, status string, err string, autoRecovered bool) map[string]any {
	ev := map[string]any{
		"type":     "agent_status",
		"agent_id": agentID,
		"status":   status,
	}
	if err != "" {
		ev["error"] = err
	}
	if autoRecovered {
		ev["auto_recovered"] = true
	}
	return ev
}

// WorkspaceStatusEvent announces a workspace state change.
func WorkspaceStatusEvent(workspaceID string, status WorkspaceStatus, standbyAt *time.Time, errMsg string) map[string]any {
	ev := map[string]any{
		"type":         "workspace_status",
		"workspace_id": workspaceID,
		"status":       string(status),
	}
	if standbyAt != nil {
		ev["standby_at"] = standbyAt.UTC().Format(time.RFC3339)
	}
	if errMsg != "" {
		ev["error"] = errMsg
	}
	return ev
}

// ApprovalRequestEvent announces a pending approval to the session.
func ApprovalRequestEvent(req *ApprovalRequest) map[string]any {
	return map[string]any{
		"type":                 "approval_request",
		"approval_id":          req.ID,
		"agent_id":             req.AgentID,
		"tool_name":            req.ToolName,
		"action_type":          string(req.ActionType),
		"arguments":            req.Arguments,
		"can_add_to_allowlist": req.CanAddToAllowlist,
	}
}

// ── Tool configuration ──────────────────────────────────────

// ToolConfig is the shared tool-category configuration document. Categories
// are data, not code: the executor loads this once per process.
type ToolConfig struct {
	ReadTools    []string            `json:"read_tools"`
	WriteTools   []string            `json:"write_tools"`
	CommandTools []string            `json:"command_tools"`
	DeployTools  []string            `json:"deploy_tools"`
	Groups       map[string][]string `json:"groups"` // git, memory, web, vision, skill, health, orchestrator, agent_builder
}
