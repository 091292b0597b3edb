package compute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// workspaceUID is the uid the container's default user maps to on the host.
const workspaceUID = 1000

// QuotaManager enforces per-workspace disk limits with XFS project quotas.
// Each workspace gets <dataRoot>/<workspace-id>/home as a project directory.
// Disabled in development, where the data root usually is not XFS.
type QuotaManager struct {
	enabled  bool
	dataRoot string
	run      CommandRunner
}

// NewQuotaManager returns a manager; pass enabled=false for a no-op.
func NewQuotaManager(enabled bool, dataRoot string) *QuotaManager {
	return &QuotaManager{enabled: enabled, dataRoot: dataRoot, run: localRunner}
}

func (q *QuotaManager) homeDir(workspaceID string) string {
	return filepath.Join(q.dataRoot, workspaceID, "home")
}

// projectID derives a stable numeric project id from the workspace id.
func projectID(workspaceID string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(workspaceID); i++ {
		h ^= uint32(workspaceID[i])
		h *= 16777619
	}
	// keep out of the low range reserved for system projects
	return h%1_000_000_000 + 1000
}

// Setup creates the workspace home directory, chowns it to the container
// uid, and applies the disk limit as an XFS project quota.
func (q *QuotaManager) Setup(ctx context.Context, workspaceID string, diskGiB int64) (string, error) {
	home := q.homeDir(workspaceID)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", fmt.Errorf("create workspace home: %w", err)
	}
	if err := os.Chown(home, workspaceUID, workspaceUID); err != nil {
		log.Warn().Err(err).Str("workspace_id", workspaceID).Msg("chown workspace home failed")
	}
	if !q.enabled {
		return home, nil
	}

	pid := projectID(workspaceID)
	if out, err := q.run(ctx, "xfs_quota", "-x",
		"-c", fmt.Sprintf("project -s -p %s %d", home, pid), q.dataRoot); err != nil {
		return "", fmt.Errorf("xfs project setup: %v: %s", err, strings.TrimSpace(out))
	}
	if err := q.applyLimit(ctx, pid, diskGiB); err != nil {
		return "", err
	}
	log.Info().Str("workspace_id", workspaceID).Int64("disk_gib", diskGiB).Msg("disk quota applied")
	return home, nil
}

// UpdateLimit changes the disk limit of a live workspace.
func (q *QuotaManager) UpdateLimit(ctx context.Context, workspaceID string, diskGiB int64) error {
	if !q.enabled {
		return nil
	}
	return q.applyLimit(ctx, projectID(workspaceID), diskGiB)
}

func (q *QuotaManager) applyLimit(ctx context.Context, pid uint32, diskGiB int64) error {
	limit := strconv.FormatInt(diskGiB, 10) + "g"
	out, err := q.run(ctx, "xfs_quota", "-x",
		"-c", fmt.Sprintf("limit -p bhard=%s %d", limit, pid), q.dataRoot)
	if err != nil {
		return fmt.Errorf("xfs quota limit: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// Cleanup drops the quota and removes the workspace directory tree.
func (q *QuotaManager) Cleanup(ctx context.Context, workspaceID string) error {
	if q.enabled {
		if err := q.applyLimit(ctx, projectID(workspaceID), 0); err != nil {
			log.Warn().Err(err).Str("workspace_id", workspaceID).Msg("quota removal failed")
		}
	}
	dir := filepath.Join(q.dataRoot, workspaceID)
	if dir == q.dataRoot || dir == "/" {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	return os.RemoveAll(dir)
}
