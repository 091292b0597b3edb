// Package orchestrator schedules agent tasks: it caches agent instances,
// runs each task's generate→tool-call→tool-result loop to completion, and
// sweeps finished tasks. One worker drains the queue, so task state is only
// ever mutated from a single goroutine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/approval"
	"github.com/podex/podex/internal/events"
	"github.com/podex/podex/internal/llm"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/internal/toolexec"
	"github.com/podex/podex/pkg/models"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrNotCancelable      = errors.New("task is not pending or running")
	ErrAgentLimitExceeded = errors.New("agent_limit_exceeded")
)

// Completer is the LLM surface the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Config bounds the orchestrator's caches and loops.
type Config struct {
	MaxAgents     int
	MaxTasks      int
	AgentIdleTTL  time.Duration
	TaskTTL       time.Duration
	MaxIterations int
	SweepInterval time.Duration

	// Tools is the unified tool-schema set advertised to the model.
	Tools []models.ToolSchema
}

func (c *Config) withDefaults() {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 100
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 10000
	}
	if c.AgentIdleTTL <= 0 {
		c.AgentIdleTTL = time.Hour
	}
	if c.TaskTTL <= 0 {
		c.TaskTTL = time.Hour
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

type taskEntry struct {
	task      models.Task
	spec      models.TaskSpec
	cancelled bool
}

// Orchestrator accepts tasks and runs agent loops against the LLM router.
type Orchestrator struct {
	cfg        Config
	llm        Completer
	categories *toolexec.Categories
	registry   *toolexec.Registry
	bus        approval.Bus
	knowledge  store.KnowledgeStore
	rows       store.AgentRowStore
	hub        *events.Hub

	mu     sync.Mutex
	agents map[string]*Agent
	tasks  map[string]*taskEntry
	queue  chan string
}

// New wires an orchestrator. knowledge, rows and hub may be nil; the
// corresponding side effects are skipped.
func New(cfg Config, completer Completer, categories *toolexec.Categories, registry *toolexec.Registry, bus approval.Bus, knowledge store.KnowledgeStore, rows store.AgentRowStore, hub *events.Hub) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		cfg:        cfg,
		llm:        completer,
		categories: categories,
		registry:   registry,
		bus:        bus,
		knowledge:  knowledge,
		rows:       rows,
		hub:        hub,
		agents:     make(map[string]*Agent),
		tasks:      make(map[string]*taskEntry),
		queue:      make(chan string, cfg.MaxTasks),
	}
}

// Run drains the task queue and runs the periodic task sweep until ctx is
// cancelled. It is the only goroutine that executes task loops.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			o.runTask(ctx, id)
		case <-ticker.C:
			o.sweep()
		}
	}
}

// ── Public contract ─────────────────────────────────────────

// Submit creates a pending task and schedules it.
func (o *Orchestrator) Submit(_ context.Context, spec models.TaskSpec) (string, error) {
	now := time.Now()
	task := models.Task{
		ID:        uuid.NewString(),
		SessionID: spec.SessionID,
		AgentID:   spec.AgentID,
		Message:   spec.Message,
		Context:   spec.Context,
		Status:    models.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	if len(o.tasks) >= o.cfg.MaxTasks {
		o.sweepLocked(time.Now())
	}
	if len(o.tasks) >= o.cfg.MaxTasks {
		o.mu.Unlock()
		return "", errors.New("task queue full")
	}
	o.tasks[task.ID] = &taskEntry{task: task, spec: spec}
	o.mu.Unlock()

	select {
	case o.queue <- task.ID:
	default:
		o.mu.Lock()
		delete(o.tasks, task.ID)
		o.mu.Unlock()
		return "", errors.New("task queue full")
	}
	return task.ID, nil
}

// Status returns a snapshot of a task.
func (o *Orchestrator) Status(taskID string) (*models.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := entry.task
	return &cp, nil
}

// Cancel fails a pending or running task. The in-flight LLM or tool call is
// not interrupted; its result is discarded when the loop observes the flag.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if entry.task.Status.Terminal() {
		return ErrNotCancelable
	}
	entry.cancelled = true
	entry.task.Status = models.TaskFailed
	entry.task.Error = "task cancelled"
	entry.task.UpdatedAt = time.Now()
	return nil
}

// CancelAgentTasks cancels every non-terminal task owned by an agent.
func (o *Orchestrator) CancelAgentTasks(agentID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, entry := range o.tasks {
		if entry.task.AgentID == agentID && !entry.task.Status.Terminal() {
			entry.cancelled = true
			entry.task.Status = models.TaskFailed
			entry.task.Error = "task cancelled"
			entry.task.UpdatedAt = time.Now()
			n++
		}
	}
	return n
}

// DelegateTarget names one agent in a delegation fan-out.
type DelegateTarget struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Model string `json:"model"`
}

// Delegate fans one description out to a list of agents.
func (o *Orchestrator) Delegate(ctx context.Context, sessionID, description string, agents []DelegateTarget) ([]string, error) {
	ids := make([]string, 0, len(agents))
	for _, target := range agents {
		id, err := o.Submit(ctx, models.TaskSpec{
			SessionID: sessionID,
			AgentID:   target.ID,
			Role:      target.Role,
			Model:     target.Model,
			Message:   description,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cleanup removes every in-memory agent and task for a session and closes
// the session's event subscribers.
func (o *Orchestrator) Cleanup(sessionID string) {
	o.mu.Lock()
	for id, agent := range o.agents {
		if agent.SessionID == sessionID {
			delete(o.agents, id)
		}
	}
	for id, entry := range o.tasks {
		if entry.task.SessionID == sessionID {
			delete(o.tasks, id)
		}
	}
	o.mu.Unlock()

	if o.hub != nil {
		o.hub.CloseSession(sessionID)
	}
}

// ResolveApproval passes a user decision through to the approval bus.
func (o *Orchestrator) ResolveApproval(ctx context.Context, approvalID string, approved, addToAllowlist bool) error {
	return o.bus.Resolve(ctx, &models.ApprovalResolution{
		ApprovalID:     approvalID,
		Approved:       approved,
		AddToAllowlist: addToAllowlist,
	})
}

// Agent returns a cached agent, for approval passthrough and tests.
func (o *Orchestrator) Agent(agentID string) (*Agent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[agentID]
	return a, ok
}

// ── Agent cache ─────────────────────────────────────────────

// resolveAgent finds or creates the task's agent. On every access the
// cached agent's mode and command allowlist are refreshed from the incoming
// task so settings changes apply without rebuilding history.
func (o *Orchestrator) resolveAgent(spec *models.TaskSpec) (*Agent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if agent, ok := o.agents[spec.AgentID]; ok {
		if spec.Mode.Valid() {
			agent.SetMode(spec.Mode)
		}
		if spec.CommandAllowlist != nil {
			agent.Executor.SetAllowlist(spec.CommandAllowlist)
		}
		if spec.WorkspaceID != "" {
			agent.WorkspaceID = spec.WorkspaceID
			agent.Executor.SetWorkspaceID(spec.WorkspaceID)
		}
		agent.Touch()
		return agent, nil
	}

	if len(o.agents) >= o.cfg.MaxAgents {
		o.evictIdleLocked()
	}
	if len(o.agents) >= o.cfg.MaxAgents {
		return nil, ErrAgentLimitExceeded
	}

	mode := spec.Mode
	if !mode.Valid() {
		mode = models.ModeAsk
	}
	exec := toolexec.NewExecutor(spec.AgentID, spec.SessionID, spec.WorkspaceID, mode, spec.CommandAllowlist, o.categories, o.registry, o.bus)
	agent := NewAgent(spec.AgentID, spec.SessionID, spec.Role, spec.Model, exec)
	agent.WorkspaceID = spec.WorkspaceID
	agent.UserID = spec.UserID
	o.agents[spec.AgentID] = agent
	return agent, nil
}

// evictIdleLocked removes agents idle past the TTL. A session left with no
// agents gets its external state torn down.
func (o *Orchestrator) evictIdleLocked() {
	cutoff := time.Now().Add(-o.cfg.AgentIdleTTL)
	touched := map[string]bool{}
	for id, agent := range o.agents {
		if agent.LastActivity().Before(cutoff) {
			delete(o.agents, id)
			touched[agent.SessionID] = true
			log.Debug().Str("agent_id", id).Msg("evicted idle agent")
		}
	}
	for sessionID := range touched {
		remaining := false
		for _, agent := range o.agents {
			if agent.SessionID == sessionID {
				remaining = true
				break
			}
		}
		if !remaining && o.hub != nil {
			o.hub.CloseSession(sessionID)
		}
	}
}

// ── Task loop ───────────────────────────────────────────────

func (o *Orchestrator) runTask(ctx context.Context, taskID string) {
	o.mu.Lock()
	entry, ok := o.tasks[taskID]
	if !ok || entry.cancelled {
		o.mu.Unlock()
		return
	}
	entry.task.Status = models.TaskRunning
	entry.task.UpdatedAt = time.Now()
	spec := entry.spec
	sessionID := entry.task.SessionID
	o.mu.Unlock()

	agent, err := o.resolveAgent(&spec)
	if err != nil {
		o.finishTask(taskID, "", nil, 0, err)
		return
	}

	o.setAgentRowStatus(ctx, agent, "running")
	o.publish(ctx, sessionID, models.AgentStatusEvent(agent.ID, "running", "", false))

	content, toolCalls, tokens, err := o.executeLoop(ctx, agent, &spec)

	if o.isCancelled(taskID) {
		// the result of an already cancelled task is discarded
		o.setAgentRowStatus(ctx, agent, "idle")
		return
	}

	o.finishTask(taskID, content, toolCalls, tokens, err)
	status := "idle"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	o.setAgentRowStatus(ctx, agent, status)
	o.publish(ctx, sessionID, models.AgentStatusEvent(agent.ID, status, errMsg, false))
}

// executeLoop is the generate→tool→result iteration for one task.
func (o *Orchestrator) executeLoop(ctx context.Context, agent *Agent, spec *models.TaskSpec) (string, []models.ToolCall, int64, error) {
	// recent long-term memory is prepended as a system context block;
	// retrieval failure is never fatal
	if o.knowledge != nil {
		if snippets, err := o.knowledge.RecentMemory(ctx, spec.SessionID, 10); err == nil && len(snippets) > 0 {
			var b strings.Builder
			b.WriteString("Relevant context from memory:\n")
			for _, sn := range snippets {
				b.WriteString("- ")
				b.WriteString(sn.Content)
				b.WriteString("\n")
			}
			agent.AppendMessage(models.Message{Role: "system", Content: b.String()})
		} else if err != nil {
			log.Debug().Err(err).Str("session_id", spec.SessionID).Msg("memory retrieval failed")
		}
	}

	agent.AppendMessage(models.Message{Role: "user", Content: spec.Message})

	var announcements []string
	if mode, ok := DetectModeIntent(spec.Message); ok {
		if msg := agent.ApplyInferredMode(mode); msg != "" {
			announcements = append(announcements, msg)
		}
	}

	var (
		finalContent string
		allToolCalls []models.ToolCall
		tokens       int64
	)

	completed := false
	for i := 0; i < o.cfg.MaxIterations; i++ {
		result, err := o.llm.Complete(ctx, llm.Request{
			Model:       agent.Model,
			Messages:    agent.History(),
			Tools:       o.cfg.Tools,
			UserID:      agent.UserID,
			SessionID:   spec.SessionID,
			WorkspaceID: agent.WorkspaceID,
			AgentID:     agent.ID,
			UserAPIKeys: spec.UserAPIKeys,
		})
		if err != nil {
			return "", allToolCalls, tokens, err
		}
		tokens += result.Usage.TotalTokens

		calls := result.ToolCalls
		inline, stripped := ExtractInlineToolCalls(result.Content)
		calls = append(calls, inline...)

		agent.AppendMessage(models.Message{
			Role:      "assistant",
			Content:   stripped,
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			finalContent = stripped
			completed = true
			break
		}

		// tool calls run sequentially in response order; results are
		// appended in that same order before the next model call
		for _, call := range calls {
			allToolCalls = append(allToolCalls, call)
			toolResult := agent.Executor.Execute(ctx, call)
			agent.AppendMessage(models.Message{
				Role:       "tool",
				Content:    toolResult,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}
	if !completed {
		return "", allToolCalls, tokens, fmt.Errorf("max iterations (%d) exceeded", o.cfg.MaxIterations)
	}

	if msg := agent.MaybeAutoRevert(finalContent); msg != "" {
		announcements = append(announcements, msg)
	}
	for _, msg := range announcements {
		agent.AppendMessage(models.Message{Role: "assistant", Content: msg})
		o.publish(ctx, spec.SessionID, map[string]any{
			"type":     "mode_switch",
			"agent_id": agent.ID,
			"mode":     string(agent.Mode()),
			"message":  msg,
		})
	}

	agent.Touch()
	return finalContent, allToolCalls, tokens, nil
}

func (o *Orchestrator) isCancelled(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.tasks[taskID]
	return ok && entry.cancelled
}

func (o *Orchestrator) finishTask(taskID, content string, toolCalls []models.ToolCall, tokens int64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.tasks[taskID]
	if !ok || entry.task.Status.Terminal() {
		return
	}
	entry.task.ToolCalls = toolCalls
	entry.task.TokensUsed = tokens
	entry.task.UpdatedAt = time.Now()
	if err != nil {
		entry.task.Status = models.TaskFailed
		entry.task.Error = err.Error()
		return
	}
	entry.task.Status = models.TaskCompleted
	entry.task.Result = content
}

// ── Housekeeping ────────────────────────────────────────────

// sweep removes terminal tasks past the TTL and enforces the hard cap by
// dropping the oldest terminal entries. Pending and running tasks are never
// swept.
func (o *Orchestrator) sweep() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweepLocked(time.Now())
}

func (o *Orchestrator) sweepLocked(now time.Time) {
	cutoff := now.Add(-o.cfg.TaskTTL)
	for id, entry := range o.tasks {
		if entry.task.Status.Terminal() && entry.task.UpdatedAt.Before(cutoff) {
			delete(o.tasks, id)
		}
	}
	if len(o.tasks) <= o.cfg.MaxTasks {
		return
	}

	type aged struct {
		id string
		at time.Time
	}
	var terminal []aged
	for id, entry := range o.tasks {
		if entry.task.Status.Terminal() {
			terminal = append(terminal, aged{id: id, at: entry.task.UpdatedAt})
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].at.Before(terminal[j].at) })
	for _, t := range terminal {
		if len(o.tasks) <= o.cfg.MaxTasks {
			break
		}
		delete(o.tasks, t.id)
	}
}

func (o *Orchestrator) setAgentRowStatus(ctx context.Context, agent *Agent, status string) {
	if o.rows == nil {
		return
	}
	now := time.Now()
	err := o.rows.UpsertAgentRow(ctx, &models.AgentRow{
		ID:              agent.ID,
		SessionID:       agent.SessionID,
		Role:            agent.Role,
		Model:           agent.Model,
		Mode:            agent.Mode(),
		Status:          status,
		StatusChangedAt: now,
	})
	if err != nil {
		log.Warn().Err(err).Str("agent_id", agent.ID).Msg("failed to persist agent status")
	}
}

func (o *Orchestrator) publish(ctx context.Context, sessionID string, event map[string]any) {
	if o.hub != nil {
		o.hub.Publish(ctx, sessionID, event)
	}
}
