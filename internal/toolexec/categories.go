// Package toolexec dispatches named tools with JSON arguments, enforcing
// the per-agent mode policy and acquiring user approval where the policy
// demands it. Tool categorization is data loaded from the shared
// configuration store, never hardcoded.
package toolexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

// Category names used by the mode policy.
const (
	CategoryRead    = "read"
	CategoryWrite   = "write"
	CategoryCommand = "command"
	CategoryDeploy  = "deploy"
)

// Groups that execute locally; everything else in write/command/git/
// filesystem territory goes through the workspace container.
var localGroups = map[string]bool{
	"memory":        true,
	"skill":         true,
	"web":           true,
	"vision":        true,
	"health":        true,
	"orchestrator":  true,
	"agent_builder": true,
}

// Categories is the memoized tool-category table. The configuration is
// loaded once per process on first use.
type Categories struct {
	store store.ToolConfigStore

	once sync.Once
	cfg  *models.ToolConfig
	err  error

	byTool map[string]string // tool name → category or group name
}

// NewCategories wraps the configuration store.
func NewCategories(s store.ToolConfigStore) *Categories {
	return &Categories{store: s}
}

// load fetches and indexes the configuration exactly once.
func (c *Categories) load(ctx context.Context) error {
	c.once.Do(func() {
		cfg, err := c.store.GetToolConfig(ctx)
		if err != nil {
			c.err = fmt.Errorf("load tool config: %w", err)
			return
		}
		c.cfg = cfg

		idx := make(map[string]string)
		for _, name := range cfg.ReadTools {
			idx[name] = CategoryRead
		}
		for _, name := range cfg.WriteTools {
			idx[name] = CategoryWrite
		}
		for _, name := range cfg.CommandTools {
			idx[name] = CategoryCommand
		}
		for _, name := range cfg.DeployTools {
			idx[name] = CategoryDeploy
		}
		for group, names := range cfg.Groups {
			for _, name := range names {
				// base categories win over group membership
				if _, taken := idx[name]; !taken {
					idx[name] = group
				}
			}
		}
		c.byTool = idx
	})
	return c.err
}

// Category returns the category or group a tool belongs to, or "" when the
// tool is unknown to the configuration.
func (c *Categories) Category(ctx context.Context, tool string) (string, error) {
	if err := c.load(ctx); err != nil {
		return "", err
	}
	return c.byTool[tool], nil
}

// IsLocal reports whether a tool's group executes in-process instead of in
// the workspace container.
func IsLocal(category string) bool {
	if category == CategoryDeploy {
		return true
	}
	return localGroups[category]
}
