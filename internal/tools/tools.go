// Package tools provides the built-in tool set: the category
// configuration, the schemas advertised to the model, and the handlers
// that bridge tool calls to the workspace container or to local services.
package tools

import "github.com/podex/podex/pkg/models"

// DefaultConfig is the tool-category table seeded into the store when no
// configuration exists yet. Operators can edit the stored document; code
// never hardcodes membership beyond this seed.
func DefaultConfig() *models.ToolConfig {
	return &models.ToolConfig{
		ReadTools: []string{
			"read_file",
			"list_files",
			"git_status",
			"git_log",
			"git_diff",
			"git_branches",
			"git_compare",
		},
		WriteTools: []string{
			"write_file",
			"delete_file",
		},
		CommandTools: []string{
			"execute_command",
		},
		DeployTools: []string{},
		Groups: map[string][]string{
			"git": {
				"git_stage",
				"git_unstage",
				"git_commit",
				"git_push",
				"git_pull",
				"git_checkout",
				"git_merge_preview",
			},
			"memory": {
				"save_memory",
				"recall_memory",
			},
			"health": {
				"health_check",
			},
		},
	}
}

func obj(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func strArray(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": desc,
	}
}

// Schemas returns the unified tool definitions handed to the LLM router.
func Schemas() []models.ToolSchema {
	return []models.ToolSchema{
		{
			Name:        "execute_command",
			Description: "Run a shell command in the workspace container and return stdout, stderr and the exit code.",
			Parameters: obj(map[string]any{
				"command":     str("Shell command to run"),
				"working_dir": str("Directory to run in; defaults to the workspace root"),
				"timeout_s":   integer("Timeout in seconds; the command is killed past it"),
			}, "command"),
		},
		{
			Name:        "read_file",
			Description: "Read a file from the workspace and return its content.",
			Parameters:  obj(map[string]any{"path": str("Absolute or workspace-relative file path")}, "path"),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace, creating parent directories as needed.",
			Parameters: obj(map[string]any{
				"path":    str("File path to write"),
				"content": str("Full file content"),
			}, "path", "content"),
		},
		{
			Name:        "delete_file",
			Description: "Delete a file or directory in the workspace.",
			Parameters:  obj(map[string]any{"path": str("Path to delete")}, "path"),
		},
		{
			Name:        "list_files",
			Description: "List a directory in the workspace.",
			Parameters:  obj(map[string]any{"path": str("Directory to list; defaults to the workspace root")}),
		},
		{
			Name:        "git_status",
			Description: "Show the working tree status: branch, ahead/behind, staged, modified and untracked files.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Name:        "git_log",
			Description: "Show recent commits.",
			Parameters:  obj(map[string]any{"limit": integer("Maximum number of commits; default 20")}),
		},
		{
			Name:        "git_diff",
			Description: "Per-file additions and deletions between two refs.",
			Parameters: obj(map[string]any{
				"from": str("Base ref"),
				"to":   str("Target ref"),
			}),
		},
		{
			Name:        "git_branches",
			Description: "List local branches; marks the current one.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Name:        "git_compare",
			Description: "Compare two branches: ahead/behind counts, commits unique to head, and per-file changes.",
			Parameters: obj(map[string]any{
				"base": str("Base branch or ref"),
				"head": str("Head branch or ref"),
			}, "base", "head"),
		},
		{
			Name:        "git_stage",
			Description: "Stage files for commit.",
			Parameters:  obj(map[string]any{"paths": strArray("Paths to stage")}, "paths"),
		},
		{
			Name:        "git_unstage",
			Description: "Unstage files.",
			Parameters:  obj(map[string]any{"paths": strArray("Paths to unstage")}, "paths"),
		},
		{
			Name:        "git_commit",
			Description: "Commit the staged changes and return the new commit hash.",
			Parameters:  obj(map[string]any{"message": str("Commit message")}, "message"),
		},
		{
			Name:        "git_push",
			Description: "Push the current branch to its upstream.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Name:        "git_pull",
			Description: "Pull the current branch from its upstream.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Name:        "git_checkout",
			Description: "Check out a branch, optionally creating it.",
			Parameters: obj(map[string]any{
				"branch": str("Branch name"),
				"create": boolean("Create the branch if it does not exist"),
			}, "branch"),
		},
		{
			Name:        "git_merge_preview",
			Description: "Dry-run a merge of a branch into the current one and report conflicts without touching the tree.",
			Parameters:  obj(map[string]any{"branch": str("Branch to merge")}, "branch"),
		},
		{
			Name:        "save_memory",
			Description: "Save a note to the session's long-term memory.",
			Parameters:  obj(map[string]any{"content": str("Note to remember")}, "content"),
		},
		{
			Name:        "recall_memory",
			Description: "Retrieve recent notes from the session's long-term memory.",
			Parameters:  obj(map[string]any{"limit": integer("Maximum number of notes; default 10")}),
		},
		{
			Name:        "health_check",
			Description: "Report whether the agent's tool channel is alive.",
			Parameters:  obj(map[string]any{}),
		},
	}
}
