package computeapi

import "github.com/podex/podex/pkg/models"

// Wire shapes shared between the host service and its control-plane client.

// InternalKeyHeader authenticates control-plane calls to the host service.
const InternalKeyHeader = "X-Internal-API-Key"

// UserIDHeader names the user a request acts for. When present it must match
// the workspace owner; internal calls (reconcilers, health probes) omit it.
const UserIDHeader = "X-User-ID"

type CreateWorkspaceRequest struct {
	WorkspaceID string               `json:"workspace_id"`
	HostID      string               `json:"host_id,omitempty"` // empty picks a healthy host
	Spec        models.ContainerSpec `json:"spec"`
}

type CreateWorkspaceResponse struct {
	WorkspaceID string `json:"workspace_id"`
	HostID      string `json:"host_id"`
	ContainerID string `json:"container_id"`
	HomeDir     string `json:"home_dir,omitempty"`
}

type ExecRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	TimeoutS   int    `json:"timeout_s,omitempty"`
}

type ScaleRequest struct {
	CPUCores  float64 `json:"cpu_cores"`
	MemoryMiB int64   `json:"memory_mib"`
	DiskGiB   int64   `json:"disk_gib,omitempty"`
}

type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type GitPathsRequest struct {
	Paths []string `json:"paths"`
}

type GitCommitRequest struct {
	Message string `json:"message"`
}

type GitCheckoutRequest struct {
	Branch string `json:"branch"`
	Create bool   `json:"create,omitempty"`
}

type GitWorktreeRequest struct {
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
}

type GitMergePreviewRequest struct {
	Branch string `json:"branch"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
