package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/podex/podex/internal/computeapi"
	"github.com/podex/podex/internal/computeclient"
	"github.com/podex/podex/internal/toolexec"
)

func argStr(inv *toolexec.Invocation, key string) string {
	v, _ := inv.Args[key].(string)
	return v
}

// argInt tolerates the float64 that JSON decoding produces.
func argInt(inv *toolexec.Invocation, key string) int {
	switch v := inv.Args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func argBool(inv *toolexec.Invocation, key string) bool {
	v, _ := inv.Args[key].(bool)
	return v
}

func argStrs(inv *toolexec.Invocation, key string) []string {
	raw, _ := inv.Args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// RegisterWorkspace installs the tools that execute inside the agent's
// workspace container, bridged over the compute client.
func RegisterWorkspace(reg *toolexec.Registry, client *computeclient.Client) {
	reg.Register("execute_command", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		command := argStr(inv, "command")
		if command == "" {
			return nil, errors.New("command is required")
		}
		res, err := client.Exec(ctx, inv.WorkspaceID, computeapi.ExecRequest{
			Command:    command,
			WorkingDir: argStr(inv, "working_dir"),
			TimeoutS:   argInt(inv, "timeout_s"),
		})
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{
			"success":   res.ExitCode == 0,
			"exit_code": res.ExitCode,
			"stdout":    res.Stdout,
			"stderr":    res.Stderr,
		}, nil
	})

	reg.Register("read_file", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		path := argStr(inv, "path")
		if path == "" {
			return nil, errors.New("path is required")
		}
		content, err := client.ReadFile(ctx, inv.WorkspaceID, path)
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"path": path, "content": content}, nil
	})

	reg.Register("write_file", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		path := argStr(inv, "path")
		if path == "" {
			return nil, errors.New("path is required")
		}
		content, ok := inv.Args["content"].(string)
		if !ok {
			return nil, errors.New("content is required")
		}
		if err := client.WriteFile(ctx, inv.WorkspaceID, path, content); err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"path": path, "bytes": len(content)}, nil
	})

	reg.Register("delete_file", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		path := argStr(inv, "path")
		if path == "" {
			return nil, errors.New("path is required")
		}
		if err := client.DeleteFile(ctx, inv.WorkspaceID, path); err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"path": path}, nil
	})

	reg.Register("list_files", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		entries, err := client.ListFiles(ctx, inv.WorkspaceID, argStr(inv, "path"))
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"entries": entries}, nil
	})

	registerGit(reg, client)
}

func registerGit(reg *toolexec.Registry, client *computeclient.Client) {
	reg.Register("git_status", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		status, err := client.GitStatus(ctx, inv.WorkspaceID)
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"status": status}, nil
	})

	reg.Register("git_log", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		limit := argInt(inv, "limit")
		if limit <= 0 {
			limit = 20
		}
		commits, err := client.GitLog(ctx, inv.WorkspaceID, limit)
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"commits": commits}, nil
	})

	reg.Register("git_diff", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		stats, err := client.GitDiff(ctx, inv.WorkspaceID, argStr(inv, "from"), argStr(inv, "to"))
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"files": stats}, nil
	})

	reg.Register("git_branches", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		branches, err := client.GitBranches(ctx, inv.WorkspaceID)
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"branches": branches}, nil
	})

	reg.Register("git_compare", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		base, head := argStr(inv, "base"), argStr(inv, "head")
		if base == "" || head == "" {
			return nil, errors.New("base and head are required")
		}
		cmp, err := client.GitBranchCompare(ctx, inv.WorkspaceID, base, head)
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"compare": cmp}, nil
	})

	reg.Register("git_stage", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		paths := argStrs(inv, "paths")
		if len(paths) == 0 {
			return nil, errors.New("paths are required")
		}
		if err := client.GitStage(ctx, inv.WorkspaceID, paths); err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"staged": paths}, nil
	})

	reg.Register("git_unstage", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		paths := argStrs(inv, "paths")
		if len(paths) == 0 {
			return nil, errors.New("paths are required")
		}
		if err := client.GitUnstage(ctx, inv.WorkspaceID, paths); err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"unstaged": paths}, nil
	})

	reg.Register("git_commit", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		message := argStr(inv, "message")
		if message == "" {
			return nil, errors.New("message is required")
		}
		hash, err := client.GitCommit(ctx, inv.WorkspaceID, message)
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"hash": hash}, nil
	})

	reg.Register("git_push", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		if err := client.GitPush(ctx, inv.WorkspaceID); err != nil {
			return nil, wrapForgotten(err)
		}
		return nil, nil
	})

	reg.Register("git_pull", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		if err := client.GitPull(ctx, inv.WorkspaceID); err != nil {
			return nil, wrapForgotten(err)
		}
		return nil, nil
	})

	reg.Register("git_checkout", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		branch := argStr(inv, "branch")
		if branch == "" {
			return nil, errors.New("branch is required")
		}
		if err := client.GitCheckout(ctx, inv.WorkspaceID, branch, argBool(inv, "create")); err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"branch": branch}, nil
	})

	reg.Register("git_merge_preview", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		branch := argStr(inv, "branch")
		if branch == "" {
			return nil, errors.New("branch is required")
		}
		preview, err := client.GitMergePreview(ctx, inv.WorkspaceID, branch)
		if err != nil {
			return nil, wrapForgotten(err)
		}
		return map[string]any{"clean": preview.Clean, "conflicts": preview.Conflicts}, nil
	})
}

// wrapForgotten gives the model an actionable message when the host lost
// the container; the provision reconciler is already bringing it back.
func wrapForgotten(err error) error {
	if errors.Is(err, computeclient.ErrWorkspaceForgotten) {
		return fmt.Errorf("workspace is being reprovisioned, retry shortly: %w", err)
	}
	return err
}
