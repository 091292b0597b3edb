package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/podex/podex/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool. Schema and
// migrations are owned by the external deployment tooling; this layer only
// reads and writes the agreed tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at url and verifies the
// connection with a ping.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Workspaces ──────────────────────────────────────────────

const workspaceCols = `id, session_id, user_id, host_id, container_id, status, image, template, tier, last_activity, standby_at, created_at`

func scanWorkspace(row pgx.Row) (*models.Workspace, error) {
	var ws models.Workspace
	var tierJSON []byte
	err := row.Scan(&ws.ID, &ws.SessionID, &ws.UserID, &ws.HostID, &ws.ContainerID,
		&ws.Status, &ws.Image, &ws.Template, &tierJSON, &ws.LastActivity, &ws.StandbyAt, &ws.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(tierJSON) > 0 {
		if err := json.Unmarshal(tierJSON, &ws.Tier); err != nil {
			return nil, fmt.Errorf("decode workspace tier: %w", err)
		}
	}
	return &ws, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws, err := scanWorkspace(s.pool.QueryRow(ctx,
		`SELECT `+workspaceCols+` FROM workspaces WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "workspace", Key: id}
	}
	return ws, err
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	tierJSON, err := json.Marshal(ws.Tier)
	if err != nil {
		return fmt.Errorf("encode workspace tier: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workspaces (`+workspaceCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ws.ID, ws.SessionID, ws.UserID, ws.HostID, ws.ContainerID, ws.Status,
		ws.Image, ws.Template, tierJSON, ws.LastActivity, ws.StandbyAt, ws.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	tierJSON, err := json.Marshal(ws.Tier)
	if err != nil {
		return fmt.Errorf("encode workspace tier: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workspaces SET session_id=$2, user_id=$3, host_id=$4, container_id=$5,
		 status=$6, image=$7, template=$8, tier=$9, last_activity=$10, standby_at=$11
		 WHERE id=$1`,
		ws.ID, ws.SessionID, ws.UserID, ws.HostID, ws.ContainerID, ws.Status,
		ws.Image, ws.Template, tierJSON, ws.LastActivity, ws.StandbyAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "workspace", Key: ws.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "workspace", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListWorkspacesByStatus(ctx context.Context, status models.WorkspaceStatus) ([]models.Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceCols+` FROM workspaces WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateWorkspaceStatusCAS(ctx context.Context, id string, from, to models.WorkspaceStatus, standbyAt *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workspaces SET status = $3, standby_at = $4 WHERE id = $1 AND status = $2`,
		id, from, to, standbyAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) TouchWorkspaceActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workspaces SET last_activity = $2 WHERE id = $1`, id, at)
	return err
}

// ── Hosts ───────────────────────────────────────────────────

const hostCols = `id, hostname, address, port, architecture, tls_enabled, cert_path, has_gpu, labels, total_cpu, total_memory_mib, total_disk_gib, healthy, last_error, registered_at`

func scanHost(row pgx.Row) (*models.Host, error) {
	var h models.Host
	var labelsJSON []byte
	err := row.Scan(&h.ID, &h.Hostname, &h.Address, &h.Port, &h.Architecture,
		&h.TLSEnabled, &h.CertPath, &h.HasGPU, &labelsJSON, &h.TotalCPU,
		&h.TotalMemoryMiB, &h.TotalDiskGiB, &h.Healthy, &h.LastError, &h.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &h.Labels); err != nil {
			return nil, fmt.Errorf("decode host labels: %w", err)
		}
	}
	return &h, nil
}

func (s *PostgresStore) ListHosts(ctx context.Context) ([]models.Host, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hostCols+` FROM hosts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetHost(ctx context.Context, id string) (*models.Host, error) {
	h, err := scanHost(s.pool.QueryRow(ctx, `SELECT `+hostCols+` FROM hosts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "host", Key: id}
	}
	return h, err
}

func (s *PostgresStore) RegisterHost(ctx context.Context, host *models.Host) error {
	labelsJSON, err := json.Marshal(host.Labels)
	if err != nil {
		return fmt.Errorf("encode host labels: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO hosts (`+hostCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (id) DO UPDATE SET hostname=EXCLUDED.hostname, address=EXCLUDED.address,
		 port=EXCLUDED.port, architecture=EXCLUDED.architecture, tls_enabled=EXCLUDED.tls_enabled,
		 cert_path=EXCLUDED.cert_path, has_gpu=EXCLUDED.has_gpu, labels=EXCLUDED.labels,
		 total_cpu=EXCLUDED.total_cpu, total_memory_mib=EXCLUDED.total_memory_mib,
		 total_disk_gib=EXCLUDED.total_disk_gib`,
		host.ID, host.Hostname, host.Address, host.Port, host.Architecture,
		host.TLSEnabled, host.CertPath, host.HasGPU, labelsJSON, host.TotalCPU,
		host.TotalMemoryMiB, host.TotalDiskGiB, host.Healthy, host.LastError, host.RegisteredAt)
	return err
}

func (s *PostgresStore) UpdateHostHealth(ctx context.Context, id string, healthy bool, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hosts SET healthy = $2, last_error = $3 WHERE id = $1`, id, healthy, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "host", Key: id}
	}
	return nil
}

func (s *PostgresStore) RemoveHost(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	return err
}

// ── Sessions ────────────────────────────────────────────────

const sessionCols = `id, user_id, workspace_id, title, active, archived, standby_minutes, image, template, tier_name, created_at, last_activity, archived_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.WorkspaceID, &sess.Title, &sess.Active,
		&sess.Archived, &sess.StandbyMinutes, &sess.Image, &sess.Template, &sess.TierName,
		&sess.CreatedAt, &sess.LastActivity, &sess.ArchivedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	return sess, err
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sess.ID, sess.UserID, sess.WorkspaceID, sess.Title, sess.Active, sess.Archived,
		sess.StandbyMinutes, sess.Image, sess.Template, sess.TierName,
		sess.CreatedAt, sess.LastActivity, sess.ArchivedAt)
	return err
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET workspace_id=$2, title=$3, active=$4, archived=$5,
		 standby_minutes=$6, image=$7, template=$8, tier_name=$9, last_activity=$10, archived_at=$11
		 WHERE id=$1`,
		sess.ID, sess.WorkspaceID, sess.Title, sess.Active, sess.Archived,
		sess.StandbyMinutes, sess.Image, sess.Template, sess.TierName,
		sess.LastActivity, sess.ArchivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: sess.ID}
	}
	return nil
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE active AND NOT archived ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ArchiveSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET active = false, archived = true, archived_at = $2, workspace_id = '' WHERE id = $1`,
		id, at)
	return err
}

// ── Agent rows ──────────────────────────────────────────────

func (s *PostgresStore) GetAgentRow(ctx context.Context, id string) (*models.AgentRow, error) {
	var row models.AgentRow
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, role, model, mode, status, status_changed_at FROM agents WHERE id = $1`, id).
		Scan(&row.ID, &row.SessionID, &row.Role, &row.Model, &row.Mode, &row.Status, &row.StatusChangedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *PostgresStore) UpsertAgentRow(ctx context.Context, row *models.AgentRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, session_id, role, model, mode, status, status_changed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET role=EXCLUDED.role, model=EXCLUDED.model,
		 mode=EXCLUDED.mode, status=EXCLUDED.status, status_changed_at=EXCLUDED.status_changed_at`,
		row.ID, row.SessionID, row.Role, row.Model, row.Mode, row.Status, row.StatusChangedAt)
	return err
}

func (s *PostgresStore) ListAgentRowsByStatus(ctx context.Context, status string) ([]models.AgentRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, model, mode, status, status_changed_at FROM agents WHERE status = $1 ORDER BY id`,
		status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AgentRow
	for rows.Next() {
		var row models.AgentRow
		if err := rows.Scan(&row.ID, &row.SessionID, &row.Role, &row.Model, &row.Mode, &row.Status, &row.StatusChangedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetAgentRowStatus(ctx context.Context, id, status string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, status_changed_at = $3 WHERE id = $1`, id, status, at)
	return err
}

// ── Users & device sessions ─────────────────────────────────

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, role, standby_timeout_minutes, standby_max_hours, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.StandbyTimeoutMinutes, &u.StandbyMaxHours, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, role, standby_timeout_minutes, standby_max_hours, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.StandbyTimeoutMinutes, &u.StandbyMaxHours, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: email}
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, role, standby_timeout_minutes, standby_max_hours, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.StandbyTimeoutMinutes, u.StandbyMaxHours, u.CreatedAt)
	return err
}

func (s *PostgresStore) GetDeviceSession(ctx context.Context, id string) (*models.DeviceSession, error) {
	var ds models.DeviceSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, user_agent, ip, current_jti, revoked, created_at, last_seen_at FROM device_sessions WHERE id = $1`, id).
		Scan(&ds.ID, &ds.UserID, &ds.UserAgent, &ds.IP, &ds.CurrentJTI, &ds.Revoked, &ds.CreatedAt, &ds.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "device session", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *PostgresStore) CreateDeviceSession(ctx context.Context, ds *models.DeviceSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO device_sessions (id, user_id, user_agent, ip, current_jti, revoked, created_at, last_seen_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ds.ID, ds.UserID, ds.UserAgent, ds.IP, ds.CurrentJTI, ds.Revoked, ds.CreatedAt, ds.LastSeenAt)
	return err
}

func (s *PostgresStore) UpdateDeviceSession(ctx context.Context, ds *models.DeviceSession) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE device_sessions SET current_jti = $2, revoked = $3, last_seen_at = $4 WHERE id = $1`,
		ds.ID, ds.CurrentJTI, ds.Revoked, ds.LastSeenAt)
	return err
}

func (s *PostgresStore) RevokeUserDeviceSessions(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE device_sessions SET revoked = true WHERE user_id = $1`, userID)
	return err
}

// ── Quotas & usage ──────────────────────────────────────────

func (s *PostgresStore) ListExpiredQuotas(ctx context.Context, now time.Time) ([]models.UsageQuota, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, quota_limit, current_usage, reset_at, period_hours FROM usage_quotas WHERE reset_at < $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UsageQuota
	for rows.Next() {
		var q models.UsageQuota
		if err := rows.Scan(&q.ID, &q.UserID, &q.Kind, &q.Limit, &q.CurrentUsage, &q.ResetAt, &q.PeriodHours); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResetQuota(ctx context.Context, id string, nextReset time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE usage_quotas SET current_usage = 0, reset_at = $2 WHERE id = $1`, id, nextReset)
	return err
}

func (s *PostgresStore) AddQuotaUsage(ctx context.Context, userID, kind string, amount int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE usage_quotas SET current_usage = current_usage + $3 WHERE user_id = $1 AND kind = $2`,
		userID, kind, amount)
	return err
}

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, user_id, session_id, workspace_id, agent_id, model, provider, usage_source, input_tokens, output_tokens, total_tokens, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.UserID, rec.SessionID, rec.WorkspaceID, rec.AgentID, rec.Model,
		rec.Provider, rec.Source, rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.CreatedAt)
	return err
}

// ── Knowledge ───────────────────────────────────────────────

func (s *PostgresStore) RecentMemory(ctx context.Context, sessionID string, limit int) ([]models.MemorySnippet, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, agent_id, content, created_at FROM memory_snippets
		 WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MemorySnippet
	for rows.Next() {
		var m models.MemorySnippet
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AgentID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveMemory(ctx context.Context, snippet *models.MemorySnippet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_snippets (id, session_id, agent_id, content, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		snippet.ID, snippet.SessionID, snippet.AgentID, snippet.Content, snippet.CreatedAt)
	return err
}

// ── Tool configuration ──────────────────────────────────────

func (s *PostgresStore) GetToolConfig(ctx context.Context) (*models.ToolConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT config FROM tool_config WHERE id = 'global'`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool config", Key: "global"}
	}
	if err != nil {
		return nil, err
	}
	var cfg models.ToolConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode tool config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) PutToolConfig(ctx context.Context, cfg *models.ToolConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode tool config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tool_config (id, config) VALUES ('global', $1)
		 ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config`, raw)
	return err
}
