package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/computeapi"
	"github.com/podex/podex/internal/computeclient"
	"github.com/podex/podex/internal/events"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

// ComputeService is the slice of the compute client the reconcilers use.
type ComputeService interface {
	CreateWorkspace(ctx context.Context, req computeapi.CreateWorkspaceRequest) (*computeapi.CreateWorkspaceResponse, error)
	DeleteWorkspace(ctx context.Context, workspaceID string) error
	StopWorkspace(ctx context.Context, workspaceID string) error
	Heartbeat(ctx context.Context, workspaceID string) error
	Exec(ctx context.Context, workspaceID string, req computeapi.ExecRequest) (*models.ExecResult, error)
}

// TaskCanceller aborts an agent's queued and running work.
type TaskCanceller interface {
	CancelAgentTasks(agentID string) int
}

// Deps bundles what the reconcilers share.
type Deps struct {
	Store   store.Store
	Compute ComputeService
	Hub     *events.Hub
}

// ── Quota reset ─────────────────────────────────────────────

// QuotaReset rolls expired usage quotas forward by their period. Resetting
// is idempotent: a quota reset twice just keeps its new window.
func QuotaReset(deps Deps) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		now := time.Now().UTC()
		expired, err := deps.Store.ListExpiredQuotas(ctx, now)
		if err != nil {
			return err
		}
		var failed errs
		for _, q := range expired {
			period := time.Duration(q.PeriodHours) * time.Hour
			if period <= 0 {
				period = 24 * time.Hour
			}
			next := q.ResetAt.Add(period)
			// catch up across missed passes without stacking resets
			for !next.After(now) {
				next = next.Add(period)
			}
			if err := deps.Store.ResetQuota(ctx, q.ID, next); err != nil {
				failed = append(failed, err)
				continue
			}
			log.Info().Str("quota_id", q.ID).Str("user_id", q.UserID).
				Time("next_reset", next).Msg("quota reset")
		}
		return failed.join("quota reset")
	}
}

// ── Standby ─────────────────────────────────────────────────

// standbyTimeout resolves the idle timeout: session override, then user
// default, then the platform default.
func standbyTimeout(session *models.Session, user *models.User, platformDefault time.Duration) time.Duration {
	if session != nil && session.StandbyMinutes > 0 {
		return time.Duration(session.StandbyMinutes) * time.Minute
	}
	if user != nil && user.StandbyTimeoutMinutes > 0 {
		return time.Duration(user.StandbyTimeoutMinutes) * time.Minute
	}
	return platformDefault
}

// Standby puts idle running workspaces on standby. The CAS transition
// loses gracefully to concurrent API-initiated changes.
func Standby(deps Deps, platformDefault time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		running, err := deps.Store.ListWorkspacesByStatus(ctx, models.WorkspaceRunning)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		var failed errs
		for _, ws := range running {
			var session *models.Session
			if s, err := deps.Store.GetSession(ctx, ws.SessionID); err == nil {
				session = s
			}
			var user *models.User
			if u, err := deps.Store.GetUser(ctx, ws.UserID); err == nil {
				user = u
			}
			timeout := standbyTimeout(session, user, platformDefault)
			if now.Sub(ws.LastActivity) < timeout {
				continue
			}

			standbyAt := now
			ok, err := deps.Store.UpdateWorkspaceStatusCAS(ctx, ws.ID,
				models.WorkspaceRunning, models.WorkspaceStandby, &standbyAt)
			if err != nil {
				failed = append(failed, err)
				continue
			}
			if !ok {
				// someone else moved it first
				continue
			}
			if err := deps.Compute.StopWorkspace(ctx, ws.ID); err != nil {
				log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("standby stop failed")
			}
			deps.Hub.Publish(ctx, ws.SessionID,
				models.WorkspaceStatusEvent(ws.ID, models.WorkspaceStandby, &standbyAt, ""))
			log.Info().Str("workspace_id", ws.ID).Dur("idle", now.Sub(ws.LastActivity)).
				Msg("workspace moved to standby")
		}
		return failed.join("standby")
	}
}

// ── Provision ───────────────────────────────────────────────

// Provision creates containers for pending workspaces and reprovisions
// running ones the host has forgotten.
func Provision(deps Deps) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var failed errs

		pending, err := deps.Store.ListWorkspacesByStatus(ctx, models.WorkspacePending)
		if err != nil {
			return err
		}
		for _, ws := range pending {
			if err := provisionWorkspace(ctx, deps, ws, models.WorkspacePending); err != nil {
				failed = append(failed, err)
			}
		}

		running, err := deps.Store.ListWorkspacesByStatus(ctx, models.WorkspaceRunning)
		if err != nil {
			return append(failed, err).join("provision")
		}
		for _, ws := range running {
			err := deps.Compute.Heartbeat(ctx, ws.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, computeclient.ErrWorkspaceForgotten) {
				failed = append(failed, err)
				continue
			}
			log.Warn().Str("workspace_id", ws.ID).Msg("host forgot workspace, reprovisioning")
			if err := provisionWorkspace(ctx, deps, ws, models.WorkspaceRunning); err != nil {
				failed = append(failed, err)
			}
		}
		return failed.join("provision")
	}
}

// provisionWorkspace takes a workspace through creating → running using its
// stored image and tier. The initial CAS from the observed status keeps two
// reconciler instances from double-provisioning.
func provisionWorkspace(ctx context.Context, deps Deps, ws models.Workspace, from models.WorkspaceStatus) error {
	ok, err := deps.Store.UpdateWorkspaceStatusCAS(ctx, ws.ID, from, models.WorkspaceCreating, nil)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	resp, err := deps.Compute.CreateWorkspace(ctx, computeapi.CreateWorkspaceRequest{
		WorkspaceID: ws.ID,
		HostID:      ws.HostID,
		Spec: models.ContainerSpec{
			Name:          "podex-ws-" + ws.ID,
			Image:         ws.Image,
			CPULimit:      ws.Tier.CPUCores,
			MemoryMiB:     ws.Tier.MemoryMiB,
			DiskGiB:       ws.Tier.DiskGiB,
			BandwidthMbps: ws.Tier.BandwidthMbps,
			GPU:           ws.Tier.GPU,
			Labels: map[string]string{
				"podex.workspace.id": ws.ID,
				"podex.session.id":   ws.SessionID,
				"podex.user.id":      ws.UserID,
			},
		},
	})
	if err != nil {
		if _, casErr := deps.Store.UpdateWorkspaceStatusCAS(ctx, ws.ID,
			models.WorkspaceCreating, models.WorkspaceError, nil); casErr != nil {
			log.Warn().Err(casErr).Str("workspace_id", ws.ID).Msg("error status transition failed")
		}
		deps.Hub.Publish(ctx, ws.SessionID,
			models.WorkspaceStatusEvent(ws.ID, models.WorkspaceError, nil, err.Error()))
		return fmt.Errorf("provision %s: %w", ws.ID, err)
	}

	ws.HostID = resp.HostID
	ws.ContainerID = resp.ContainerID
	ws.Status = models.WorkspaceCreating
	ws.LastActivity = time.Now().UTC()
	if err := deps.Store.UpdateWorkspace(ctx, &ws); err != nil {
		return err
	}
	if _, err := deps.Store.UpdateWorkspaceStatusCAS(ctx, ws.ID,
		models.WorkspaceCreating, models.WorkspaceRunning, nil); err != nil {
		return err
	}
	deps.Hub.Publish(ctx, ws.SessionID,
		models.WorkspaceStatusEvent(ws.ID, models.WorkspaceRunning, nil, ""))
	log.Info().Str("workspace_id", ws.ID).Str("host_id", resp.HostID).
		Str("container_id", resp.ContainerID).Msg("workspace provisioned")
	return nil
}

// ── Agent watchdog ──────────────────────────────────────────

// Watchdog recovers agents stuck in running beyond the timeout: cancel
// their tasks, mark the row errored, and tell the session it was
// auto-recovered.
func Watchdog(deps Deps, orch TaskCanceller, timeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		rows, err := deps.Store.ListAgentRowsByStatus(ctx, "running")
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		var failed errs
		for _, row := range rows {
			stuck := now.Sub(row.StatusChangedAt)
			if stuck < timeout {
				continue
			}
			cancelled := orch.CancelAgentTasks(row.ID)
			if err := deps.Store.SetAgentRowStatus(ctx, row.ID, "error", now); err != nil {
				failed = append(failed, err)
				continue
			}
			deps.Hub.Publish(ctx, row.SessionID, models.AgentStatusEvent(row.ID, "error",
				fmt.Sprintf("agent unresponsive for %s, tasks cancelled", stuck.Round(time.Second)), true))
			log.Warn().Str("agent_id", row.ID).Int("cancelled", cancelled).
				Dur("stuck", stuck).Msg("watchdog recovered agent")
		}
		return failed.join("watchdog")
	}
}

// ── Container health ────────────────────────────────────────

// probeGrace is how long a workspace must be idle before it is probed.
// Recent activity already proves the container is alive, and a shell
// saturated by a long-running command must not read as unresponsive.
const probeGrace = 5 * time.Minute

// HealthProbe echo-probes idle running workspaces. Failures accumulate in
// memory; at the threshold the workspace goes to error. A success resets
// the counter, so only sustained unresponsiveness trips it.
type HealthProbe struct {
	deps      Deps
	timeout   time.Duration
	threshold int
	failures  map[string]int
}

func NewHealthProbe(deps Deps, timeout time.Duration, threshold int) *HealthProbe {
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthProbe{deps: deps, timeout: timeout, threshold: threshold, failures: make(map[string]int)}
}

func (p *HealthProbe) Run(ctx context.Context) error {
	running, err := p.deps.Store.ListWorkspacesByStatus(ctx, models.WorkspaceRunning)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	seen := make(map[string]bool, len(running))
	var failed errs
	for _, ws := range running {
		seen[ws.ID] = true
		if now.Sub(ws.LastActivity) < probeGrace {
			// activity counts as liveness
			delete(p.failures, ws.ID)
			continue
		}
		if p.probe(ctx, ws.ID) {
			p.failures[ws.ID] = 0
			continue
		}
		p.failures[ws.ID]++
		log.Warn().Str("workspace_id", ws.ID).Int("failures", p.failures[ws.ID]).
			Msg("workspace health probe failed")
		if p.failures[ws.ID] < p.threshold {
			continue
		}

		ok, err := p.deps.Store.UpdateWorkspaceStatusCAS(ctx, ws.ID,
			models.WorkspaceRunning, models.WorkspaceError, nil)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		if ok {
			p.deps.Hub.Publish(ctx, ws.SessionID, models.WorkspaceStatusEvent(
				ws.ID, models.WorkspaceError, nil, "container unresponsive"))
		}
		delete(p.failures, ws.ID)
	}
	// drop counters for workspaces that left running
	for id := range p.failures {
		if !seen[id] {
			delete(p.failures, id)
		}
	}
	return failed.join("health probe")
}

func (p *HealthProbe) probe(ctx context.Context, workspaceID string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	res, err := p.deps.Compute.Exec(probeCtx, workspaceID, computeapi.ExecRequest{
		Command:  "echo ok",
		TimeoutS: int(p.timeout.Seconds()),
	})
	return err == nil && res.ExitCode == 0
}

// ── Standby cleanup ─────────────────────────────────────────

// standbyMaxHours resolves the retention cap: user override, else default.
// 0 disables cleanup for that user.
func standbyMaxHours(user *models.User, defaultHours int) int {
	if user != nil && user.StandbyMaxHours > 0 {
		return user.StandbyMaxHours
	}
	return defaultHours
}

// StandbyCleanup deletes workspaces that sat on standby past the cap,
// archiving their sessions. Deleting is idempotent: a forgotten workspace
// just skips the compute call.
func StandbyCleanup(deps Deps, defaultHours int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		onStandby, err := deps.Store.ListWorkspacesByStatus(ctx, models.WorkspaceStandby)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		var failed errs
		for _, ws := range onStandby {
			if ws.StandbyAt == nil {
				continue
			}
			var user *models.User
			if u, err := deps.Store.GetUser(ctx, ws.UserID); err == nil {
				user = u
			}
			maxHours := standbyMaxHours(user, defaultHours)
			if maxHours <= 0 || now.Sub(*ws.StandbyAt) < time.Duration(maxHours)*time.Hour {
				continue
			}

			ok, err := deps.Store.UpdateWorkspaceStatusCAS(ctx, ws.ID,
				models.WorkspaceStandby, models.WorkspaceDeleted, nil)
			if err != nil {
				failed = append(failed, err)
				continue
			}
			if !ok {
				continue
			}
			if err := deps.Compute.DeleteWorkspace(ctx, ws.ID); err != nil &&
				!errors.Is(err, computeclient.ErrWorkspaceForgotten) {
				log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("workspace deletion on host failed")
			}
			if err := deps.Store.ArchiveSession(ctx, ws.SessionID, now); err != nil && !store.IsNotFound(err) {
				failed = append(failed, err)
			}
			if err := deps.Store.DeleteWorkspace(ctx, ws.ID); err != nil {
				failed = append(failed, err)
				continue
			}
			deps.Hub.Publish(ctx, ws.SessionID,
				models.WorkspaceStatusEvent(ws.ID, models.WorkspaceDeleted, nil, ""))
			log.Info().Str("workspace_id", ws.ID).Str("session_id", ws.SessionID).
				Msg("standby workspace cleaned up")
		}
		return failed.join("standby cleanup")
	}
}
