package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/internal/toolexec"
	"github.com/podex/podex/pkg/models"
)

func seededCategories(t *testing.T, s *store.MemoryStore) *toolexec.Categories {
	t.Helper()
	require.NoError(t, s.PutToolConfig(context.Background(), DefaultConfig()))
	return toolexec.NewCategories(s)
}

func callOf(name string, args map[string]any) models.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return models.ToolCall{Name: name, Arguments: args}
}

// Every advertised schema must be categorized, or the executor would
// report it as unknown.
func TestSchemasCoveredByDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	known := map[string]bool{}
	for _, lists := range [][]string{cfg.ReadTools, cfg.WriteTools, cfg.CommandTools, cfg.DeployTools} {
		for _, name := range lists {
			known[name] = true
		}
	}
	for _, names := range cfg.Groups {
		for _, name := range names {
			known[name] = true
		}
	}

	for _, schema := range Schemas() {
		assert.True(t, known[schema.Name], "schema %q has no category", schema.Name)
		require.NotEmpty(t, schema.Description, schema.Name)
		require.NotNil(t, schema.Parameters, schema.Name)
	}
}

func TestSaveAndRecallMemory(t *testing.T) {
	reg := toolexec.NewRegistry()
	mem := store.NewMemoryStore()
	RegisterLocal(reg, mem)

	exec := toolexec.NewExecutor("agent-1", "sess-1", "", models.ModeSovereign, nil,
		seededCategories(t, mem), reg, nil)

	out := exec.Execute(context.Background(), callOf("save_memory", map[string]any{
		"content": "prefers tabs",
	}))
	assert.Contains(t, out, `"success":true`)

	out = exec.Execute(context.Background(), callOf("recall_memory", nil))
	assert.Contains(t, out, "prefers tabs")
}

func TestRecallMemoryDefaultLimit(t *testing.T) {
	inv := &toolexec.Invocation{Args: map[string]any{"limit": float64(3)}}
	assert.Equal(t, 3, argInt(inv, "limit"))
	assert.Equal(t, 0, argInt(inv, "missing"))
}

func TestArgStrsFiltersNonStrings(t *testing.T) {
	inv := &toolexec.Invocation{Args: map[string]any{
		"paths": []any{"a.go", 7, "b.go"},
	}}
	assert.Equal(t, []string{"a.go", "b.go"}, argStrs(inv, "paths"))
}
