package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/approval"
	"github.com/podex/podex/pkg/models"
)

// Invocation carries the agent context a handler needs to execute one tool.
type Invocation struct {
	AgentID     string
	SessionID   string
	WorkspaceID string
	Args        map[string]any
}

// Handler implements one tool. The returned map is merged into the result
// object; "success" is added when absent.
type Handler func(ctx context.Context, inv *Invocation) (map[string]any, error)

// Registry maps tool names to handlers. It is shared by every executor in
// the process; registration happens at wiring time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler for a tool name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Executor enforces the mode policy for one agent and dispatches its tool
// calls. The orchestrator owns one executor per cached agent.
type Executor struct {
	agentID   string
	sessionID string

	categories *Categories
	registry   *Registry
	bus        approval.Bus

	mu          sync.Mutex
	mode        models.Mode
	allowlist   []string
	workspaceID string
}

// NewExecutor builds an executor for one agent.
func NewExecutor(agentID, sessionID, workspaceID string, mode models.Mode, allowlist []string, categories *Categories, registry *Registry, bus approval.Bus) *Executor {
	return &Executor{
		agentID:     agentID,
		sessionID:   sessionID,
		workspaceID: workspaceID,
		mode:        mode,
		allowlist:   append([]string(nil), allowlist...),
		categories:  categories,
		registry:    registry,
		bus:         bus,
	}
}

// SetMode is the single mutation point for an agent's mode.
func (e *Executor) SetMode(mode models.Mode) {
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
}

// Mode returns the agent's current mode.
func (e *Executor) Mode() models.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetAllowlist replaces the command allowlist.
func (e *Executor) SetAllowlist(patterns []string) {
	e.mu.Lock()
	e.allowlist = append([]string(nil), patterns...)
	e.mu.Unlock()
}

// Allowlist returns a copy of the current allowlist.
func (e *Executor) Allowlist() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.allowlist...)
}

// SetWorkspaceID points the executor at the agent's workspace container.
func (e *Executor) SetWorkspaceID(id string) {
	e.mu.Lock()
	e.workspaceID = id
	e.mu.Unlock()
}

// ── Result contract ─────────────────────────────────────────

func encodeResult(m map[string]any) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return `{"success":false,"error":"result encoding failed"}`
	}
	return string(raw)
}

func failure(msg string) string {
	return encodeResult(map[string]any{"success": false, "error": msg})
}

func blockedByMode(msg string) string {
	return encodeResult(map[string]any{"success": false, "error": msg, "blocked_by_mode": true})
}

func notApproved(tool string) string {
	return encodeResult(map[string]any{
		"success":           false,
		"error":             fmt.Sprintf("Tool '%s' was not approved by the user", tool),
		"requires_approval": true,
	})
}

// ── Dispatch ────────────────────────────────────────────────

// gate is the policy outcome for one tool call.
type gate int

const (
	gateAllow gate = iota
	gateDeny
	gateApprove
)

// policy applies the mode table. canAdd reports whether an approval may
// append to the command allowlist.
func (e *Executor) policy(category, command string) (g gate, canAdd bool) {
	e.mu.Lock()
	mode := e.mode
	allowlist := e.allowlist
	e.mu.Unlock()

	// group tools (git, memory, web, ...) are outside the category table
	// and follow the read column
	switch category {
	case CategoryWrite, CategoryCommand, CategoryDeploy:
	default:
		return gateAllow, false
	}

	switch mode {
	case models.ModeSovereign:
		return gateAllow, false
	case models.ModePlan:
		return gateDeny, false
	case models.ModeAsk:
		return gateApprove, category == CategoryCommand
	case models.ModeAuto:
		switch category {
		case CategoryWrite:
			return gateAllow, false
		case CategoryCommand:
			if MatchesAllowlist(command, allowlist) && !containsShellMetacharacter(command) {
				return gateAllow, false
			}
			return gateApprove, true
		case CategoryDeploy:
			return gateApprove, false
		}
	}
	return gateDeny, false
}

func actionTypeFor(category string) models.ApprovalActionType {
	switch category {
	case CategoryWrite:
		return models.ApprovalFileWrite
	case CategoryCommand:
		return models.ApprovalCommandExecute
	}
	return models.ApprovalOther
}

// Execute runs one tool call and returns a JSON-encoded result object with
// at minimum {"success": bool}.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) string {
	category, err := e.categories.Category(ctx, call.Name)
	if err != nil {
		return failure(err.Error())
	}
	if category == "" {
		return failure(fmt.Sprintf("unknown tool '%s'", call.Name))
	}

	command, _ := call.Arguments["command"].(string)

	g, canAdd := e.policy(category, command)
	switch g {
	case gateDeny:
		return blockedByMode(fmt.Sprintf("Tool '%s' not allowed in %s mode (read-only)", call.Name, titleMode(e.Mode())))
	case gateApprove:
		approved, addToAllowlist := e.requestApproval(ctx, call, category, canAdd)
		if !approved {
			return notApproved(call.Name)
		}
		if addToAllowlist && category == CategoryCommand && command != "" {
			e.mu.Lock()
			e.allowlist = append(e.allowlist, command)
			e.mu.Unlock()
		}
	}

	// remote-exec façade: non-local tools run in the workspace container
	e.mu.Lock()
	workspaceID := e.workspaceID
	e.mu.Unlock()
	if !IsLocal(category) && workspaceID == "" {
		return failure(fmt.Sprintf("tool '%s' requires a workspace but none is configured for this agent", call.Name))
	}

	handler, ok := e.registry.lookup(call.Name)
	if !ok {
		return failure(fmt.Sprintf("no handler registered for tool '%s'", call.Name))
	}

	out, err := handler(ctx, &Invocation{
		AgentID:     e.agentID,
		SessionID:   e.sessionID,
		WorkspaceID: workspaceID,
		Args:        call.Arguments,
	})
	if err != nil {
		return failure(err.Error())
	}
	if out == nil {
		out = map[string]any{}
	}
	if _, has := out["success"]; !has {
		out["success"] = true
	}
	return encodeResult(out)
}

// requestApproval runs the approval protocol: generate an id, register the
// wait with the bus, and block up to the timeout. Timeout means denial.
func (e *Executor) requestApproval(ctx context.Context, call models.ToolCall, category string, canAdd bool) (approved, addToAllowlist bool) {
	req := &models.ApprovalRequest{
		ID:                uuid.NewString(),
		AgentID:           e.agentID,
		SessionID:         e.sessionID,
		ToolName:          call.Name,
		ActionType:        actionTypeFor(category),
		Arguments:         call.Arguments,
		CanAddToAllowlist: canAdd,
		CreatedAt:         time.Now().UTC(),
	}

	res, err := e.bus.Wait(ctx, req)
	if err != nil && err != approval.ErrTimeout {
		log.Warn().Err(err).Str("agent_id", e.agentID).Str("tool", call.Name).Msg("approval wait failed")
		return false, false
	}
	if res == nil {
		return false, false
	}
	return res.Approved, res.AddToAllowlist
}

func titleMode(m models.Mode) string {
	switch m {
	case models.ModePlan:
		return "Plan"
	case models.ModeAsk:
		return "Ask"
	case models.ModeAuto:
		return "Auto"
	case models.ModeSovereign:
		return "Sovereign"
	}
	return string(m)
}
