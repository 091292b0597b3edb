package toolexec

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex/podex/internal/approval"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

// scriptedBus resolves every approval immediately with a fixed decision.
type scriptedBus struct {
	approved       bool
	addToAllowlist bool
	requests       []*models.ApprovalRequest
}

func (b *scriptedBus) Wait(_ context.Context, req *models.ApprovalRequest) (*models.ApprovalResolution, error) {
	b.requests = append(b.requests, req)
	return &models.ApprovalResolution{
		ApprovalID:     req.ID,
		Approved:       b.approved,
		AddToAllowlist: b.addToAllowlist,
	}, nil
}

func (b *scriptedBus) Resolve(context.Context, *models.ApprovalResolution) error { return nil }
func (b *scriptedBus) SetCallback(approval.Callback)                             {}
func (b *scriptedBus) Close() error                                              { return nil }

func testCategories(t *testing.T) *Categories {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.PutToolConfig(context.Background(), &models.ToolConfig{
		ReadTools:    []string{"read_file", "list_files"},
		WriteTools:   []string{"write_file", "delete_file"},
		CommandTools: []string{"run_command"},
		DeployTools:  []string{"deploy_service"},
		Groups: map[string][]string{
			"git":    {"git_status", "git_commit"},
			"memory": {"remember"},
		},
	}))
	return NewCategories(s)
}

func testRegistry() *Registry {
	r := NewRegistry()
	echo := func(_ context.Context, inv *Invocation) (map[string]any, error) {
		return map[string]any{"workspace_id": inv.WorkspaceID}, nil
	}
	for _, name := range []string{"read_file", "list_files", "write_file", "delete_file", "run_command", "deploy_service", "git_status", "git_commit", "remember"} {
		r.Register(name, echo)
	}
	return r
}

func newExecutor(t *testing.T, mode models.Mode, allowlist []string, bus *scriptedBus) *Executor {
	t.Helper()
	return NewExecutor("a-1", "sess-1", "ws-1", mode, allowlist, testCategories(t), testRegistry(), bus)
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestPlanModeBlocksWrites(t *testing.T) {
	bus := &scriptedBus{}
	e := newExecutor(t, models.ModePlan, nil, bus)

	res := decode(t, e.Execute(context.Background(), models.ToolCall{
		Name:      "write_file",
		Arguments: map[string]any{"path": "a.py", "content": "x"},
	}))

	assert.Equal(t, false, res["success"])
	assert.Equal(t, true, res["blocked_by_mode"])
	assert.Contains(t, res["error"], "Plan mode")
	assert.Empty(t, bus.requests, "plan mode denies without asking")
}

func TestPlanModeAllowsReads(t *testing.T) {
	e := newExecutor(t, models.ModePlan, nil, &scriptedBus{})
	res := decode(t, e.Execute(context.Background(), models.ToolCall{
		Name:      "read_file",
		Arguments: map[string]any{"path": "a.py"},
	}))
	assert.Equal(t, true, res["success"])
}

func TestAskModeRequiresApproval(t *testing.T) {
	bus := &scriptedBus{approved: true}
	e := newExecutor(t, models.ModeAsk, nil, bus)

	res := decode(t, e.Execute(context.Background(), models.ToolCall{
		Name:      "write_file",
		Arguments: map[string]any{"path": "a.py"},
	}))

	assert.Equal(t, true, res["success"])
	require.Len(t, bus.requests, 1)
	assert.Equal(t, models.ApprovalFileWrite, bus.requests[0].ActionType)
	assert.False(t, bus.requests[0].CanAddToAllowlist, "only commands offer allowlisting")
}

func TestApprovalDenied(t *testing.T) {
	bus := &scriptedBus{approved: false}
	e := newExecutor(t, models.ModeAsk, nil, bus)

	res := decode(t, e.Execute(context.Background(), models.ToolCall{
		Name:      "run_command",
		Arguments: map[string]any{"command": "rm -rf /tmp/x"},
	}))

	assert.Equal(t, false, res["success"])
	assert.Equal(t, true, res["requires_approval"])
}

func TestAutoModeAllowlistedCommandRuns(t *testing.T) {
	bus := &scriptedBus{}
	e := newExecutor(t, models.ModeAuto, []string{"ls"}, bus)

	res := decode(t, e.Execute(context.Background(), models.ToolCall{
		Name:      "run_command",
		Arguments: map[string]any{"command": "ls -la"},
	}))

	assert.Equal(t, true, res["success"])
	assert.Empty(t, bus.requests)
}

func TestAutoModeChainedCommandNeedsApproval(t *testing.T) {
	bus := &scriptedBus{approved: false}
	e := newExecutor(t, models.ModeAuto, []string{"ls"}, bus)

	res := decode(t, e.Execute(context.Background(), models.ToolCall{
		Name:      "run_command",
		Arguments: map[string]any{"command": "ls && rm -rf /"},
	}))

	assert.Equal(t, false, res["success"])
	require.Len(t, bus.requests, 1)
	assert.Equal(t, models.ApprovalCommandExecute, bus.requests[0].ActionType)
	assert.True(t, bus.requests[0].CanAddToAllowlist)
}

func TestApprovalGrantAppendsAllowlist(t *testing.T) {
	bus := &scriptedBus{approved: true, addToAllowlist: true}
	e := newExecutor(t, models.ModeAuto, nil, bus)
	ctx := context.Background()

	res := decode(t, e.Execute(ctx, models.ToolCall{
		Name:      "run_command",
		Arguments: map[string]any{"command": "ls -la"},
	}))
	assert.Equal(t, true, res["success"])
	assert.Equal(t, []string{"ls -la"}, e.Allowlist())

	// identical call now runs without approval
	bus.requests = nil
	res = decode(t, e.Execute(ctx, models.ToolCall{
		Name:      "run_command",
		Arguments: map[string]any{"command": "ls -la"},
	}))
	assert.Equal(t, true, res["success"])
	assert.Empty(t, bus.requests)
}

func TestSovereignModeAllowsEverything(t *testing.T) {
	bus := &scriptedBus{}
	e := newExecutor(t, models.ModeSovereign, nil, bus)
	ctx := context.Background()

	for _, call := range []models.ToolCall{
		{Name: "write_file", Arguments: map[string]any{"path": "a"}},
		{Name: "run_command", Arguments: map[string]any{"command": "anything && everything"}},
		{Name: "deploy_service", Arguments: map[string]any{}},
	} {
		res := decode(t, e.Execute(ctx, call))
		assert.Equal(t, true, res["success"], call.Name)
	}
	assert.Empty(t, bus.requests)
}

func TestRemoteToolsRefuseWithoutWorkspace(t *testing.T) {
	e := NewExecutor("a-1", "sess-1", "", models.ModeSovereign, nil, testCategories(t), testRegistry(), &scriptedBus{})

	res := decode(t, e.Execute(context.Background(), models.ToolCall{
		Name:      "run_command",
		Arguments: map[string]any{"command": "ls"},
	}))
	assert.Equal(t, false, res["success"])
	assert.Contains(t, res["error"], "workspace")

	// local group tools still work without a workspace
	res = decode(t, e.Execute(context.Background(), models.ToolCall{
		Name:      "remember",
		Arguments: map[string]any{"content": "note"},
	}))
	assert.Equal(t, true, res["success"])
}

func TestUnknownToolFails(t *testing.T) {
	e := newExecutor(t, models.ModeSovereign, nil, &scriptedBus{})
	res := decode(t, e.Execute(context.Background(), models.ToolCall{Name: "teleport"}))
	assert.Equal(t, false, res["success"])
	assert.Contains(t, res["error"], "unknown tool")
}

func TestSetModeSwitchesPolicy(t *testing.T) {
	e := newExecutor(t, models.ModePlan, nil, &scriptedBus{approved: true})
	ctx := context.Background()

	res := decode(t, e.Execute(ctx, models.ToolCall{Name: "write_file", Arguments: map[string]any{}}))
	assert.Equal(t, true, res["blocked_by_mode"])

	e.SetMode(models.ModeSovereign)
	res = decode(t, e.Execute(ctx, models.ToolCall{Name: "write_file", Arguments: map[string]any{}}))
	assert.Equal(t, true, res["success"])
}
