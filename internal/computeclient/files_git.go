package computeclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/podex/podex/internal/computeapi"
	"github.com/podex/podex/pkg/models"
)

// ── Files ───────────────────────────────────────────────────

func (c *Client) ListFiles(ctx context.Context, workspaceID, dir string) ([]models.FileEntry, error) {
	var entries []models.FileEntry
	path := wsPath(workspaceID, "/files?path="+url.QueryEscape(dir))
	if err := c.doRetry(ctx, http.MethodGet, path, nil, &entries, 0); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) ReadFile(ctx context.Context, workspaceID, filePath string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	path := wsPath(workspaceID, "/files/content?path="+url.QueryEscape(filePath))
	if err := c.doRetry(ctx, http.MethodGet, path, nil, &resp, 0); err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *Client) WriteFile(ctx context.Context, workspaceID, filePath, content string) error {
	return c.do(ctx, http.MethodPut, wsPath(workspaceID, "/files/content"),
		computeapi.WriteFileRequest{Path: filePath, Content: content}, nil, 0)
}

func (c *Client) DeleteFile(ctx context.Context, workspaceID, filePath string) error {
	path := wsPath(workspaceID, "/files?path="+url.QueryEscape(filePath))
	return c.do(ctx, http.MethodDelete, path, nil, nil, 0)
}

// ── Git ─────────────────────────────────────────────────────

func (c *Client) GitStatus(ctx context.Context, workspaceID string) (*models.GitStatus, error) {
	var status models.GitStatus
	if err := c.doRetry(ctx, http.MethodGet, wsPath(workspaceID, "/git/status"), nil, &status, 0); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) GitLog(ctx context.Context, workspaceID string, limit int) ([]models.GitCommit, error) {
	var commits []models.GitCommit
	path := wsPath(workspaceID, "/git/log")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.doRetry(ctx, http.MethodGet, path, nil, &commits, 0); err != nil {
		return nil, err
	}
	return commits, nil
}

func (c *Client) GitDiff(ctx context.Context, workspaceID, from, to string) ([]models.GitDiffStat, error) {
	var stats []models.GitDiffStat
	path := wsPath(workspaceID, "/git/diff")
	if from != "" && to != "" {
		path += "?from=" + url.QueryEscape(from) + "&to=" + url.QueryEscape(to)
	}
	if err := c.doRetry(ctx, http.MethodGet, path, nil, &stats, 0); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *Client) GitBranches(ctx context.Context, workspaceID string) ([]models.GitBranch, error) {
	var branches []models.GitBranch
	if err := c.doRetry(ctx, http.MethodGet, wsPath(workspaceID, "/git/branches"), nil, &branches, 0); err != nil {
		return nil, err
	}
	return branches, nil
}

func (c *Client) GitBranchCompare(ctx context.Context, workspaceID, base, head string) (*models.BranchCompare, error) {
	var cmp models.BranchCompare
	path := wsPath(workspaceID, "/git/compare?base="+url.QueryEscape(base)+"&head="+url.QueryEscape(head))
	if err := c.doRetry(ctx, http.MethodGet, path, nil, &cmp, 0); err != nil {
		return nil, err
	}
	return &cmp, nil
}

func (c *Client) GitStage(ctx context.Context, workspaceID string, paths []string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/stage"),
		computeapi.GitPathsRequest{Paths: paths}, nil, 0)
}

func (c *Client) GitUnstage(ctx context.Context, workspaceID string, paths []string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/unstage"),
		computeapi.GitPathsRequest{Paths: paths}, nil, 0)
}

func (c *Client) GitCommit(ctx context.Context, workspaceID, message string) (string, error) {
	var resp struct {
		Hash string `json:"hash"`
	}
	err := c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/commit"),
		computeapi.GitCommitRequest{Message: message}, &resp, 0)
	return resp.Hash, err
}

func (c *Client) GitPush(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/push"), nil, nil, 0)
}

func (c *Client) GitPull(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/pull"), nil, nil, 0)
}

func (c *Client) GitCheckout(ctx context.Context, workspaceID, branch string, create bool) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/checkout"),
		computeapi.GitCheckoutRequest{Branch: branch, Create: create}, nil, 0)
}

func (c *Client) GitWorktreeAdd(ctx context.Context, workspaceID, path, branch string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/worktree/add"),
		computeapi.GitWorktreeRequest{Path: path, Branch: branch}, nil, 0)
}

func (c *Client) GitWorktreeRemove(ctx context.Context, workspaceID, path string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/worktree/remove"),
		computeapi.GitWorktreeRequest{Path: path}, nil, 0)
}

func (c *Client) GitMergePreview(ctx context.Context, workspaceID, branch string) (*models.MergePreview, error) {
	var preview models.MergePreview
	err := c.do(ctx, http.MethodPost, wsPath(workspaceID, "/git/merge-preview"),
		computeapi.GitMergePreviewRequest{Branch: branch}, &preview, 0)
	if err != nil {
		return nil, err
	}
	return &preview, nil
}
