package orchestrator

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/podex/podex/internal/toolexec"
	"github.com/podex/podex/pkg/models"
)

// Agent is one cached conversation owner: a system prompt, a history, a
// mode-enforcing tool executor, and bookkeeping for mode auto-revert.
type Agent struct {
	ID          string
	SessionID   string
	Role        string
	Model       string
	WorkspaceID string
	UserID      string

	Executor *toolexec.Executor

	mu           sync.Mutex
	history      []models.Message
	previousMode models.Mode // set while an inferred switch is active
	lastActivity time.Time
}

// NewAgent builds an agent around its executor.
func NewAgent(id, sessionID, role, model string, exec *toolexec.Executor) *Agent {
	return &Agent{
		ID:           id,
		SessionID:    sessionID,
		Role:         role,
		Model:        model,
		Executor:     exec,
		lastActivity: time.Now(),
	}
}

// SetMode is the one canonical mutation point for an agent's mode.
func (a *Agent) SetMode(mode models.Mode) {
	a.Executor.SetMode(mode)
}

// Mode returns the agent's current mode.
func (a *Agent) Mode() models.Mode { return a.Executor.Mode() }

// Touch bumps the idle-eviction clock.
func (a *Agent) Touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// LastActivity returns the idle-eviction timestamp.
func (a *Agent) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// AppendMessage adds one message to the conversation. Messages are appended
// per step and never mutated.
func (a *Agent) AppendMessage(msg models.Message) {
	a.mu.Lock()
	a.history = append(a.history, msg)
	a.mu.Unlock()
}

// History returns a copy of the conversation.
func (a *Agent) History() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Message(nil), a.history...)
}

// ── Mode intent detection ───────────────────────────────────

// allowedInferredModes is the set an intent detector may switch into.
// Sovereign is deliberately absent: it is never granted from inferred
// intent, only by explicit configuration.
var allowedInferredModes = map[models.Mode]bool{
	models.ModePlan: true,
	models.ModeAsk:  true,
	models.ModeAuto: true,
}

var modeIntentRe = regexp.MustCompile(`(?i)\b(?:switch\s+(?:in)?to|go\s+(?:in)?to|change\s+to|use|enter|enable)\s+(plan|ask|auto|sovereign)\s+mode\b|\b(plan|ask|auto|sovereign)\s+mode\s+(?:please|now)\b`)

// DetectModeIntent reports a confident mode switch expressed in a user
// message. Sovereign requests are ignored regardless of phrasing.
func DetectModeIntent(message string) (models.Mode, bool) {
	m := modeIntentRe.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	name := m[1]
	if name == "" {
		name = m[2]
	}
	mode := models.Mode(strings.ToLower(name))
	if !allowedInferredModes[mode] {
		return "", false
	}
	return mode, true
}

// ApplyInferredMode switches the agent's mode from user intent, remembering
// the previous mode for auto-revert. Returns the announcement text, or ""
// when nothing changed.
func (a *Agent) ApplyInferredMode(mode models.Mode) string {
	current := a.Mode()
	if mode == current {
		return ""
	}
	a.mu.Lock()
	a.previousMode = current
	a.mu.Unlock()
	a.SetMode(mode)
	return "Switched to " + string(mode) + " mode."
}

// ── Auto-revert ─────────────────────────────────────────────

// planPresentedRe matches assistant content that reads like a presented
// plan: a heading, a "here's the plan" lead-in, or a numbered list.
var planPresentedRe = regexp.MustCompile(`(?im)^\s*(?:#+\s*plan\b|plan:|here(?:'|’)s (?:the|my|a) plan\b|(?:the |my )?(?:proposed |implementation )?plan is\b|\d+\.\s+\S)`)

// workDoneRe matches "done/implemented/complete" phrasing that signals the
// inferred auto-mode work has finished.
var workDoneRe = regexp.MustCompile(`(?i)\b(?:all )?(?:done|implemented|completed|complete|finished)\b[.!]?`)

// MaybeAutoRevert restores the pre-switch mode when the assistant content
// signals the inferred phase ended: a presented plan reverts plan mode, a
// completion message reverts auto mode. Returns the announcement, or "".
func (a *Agent) MaybeAutoRevert(content string) string {
	a.mu.Lock()
	prev := a.previousMode
	a.mu.Unlock()
	if prev == "" {
		return ""
	}

	current := a.Mode()
	revert := false
	switch current {
	case models.ModePlan:
		revert = planPresentedRe.MatchString(content)
	case models.ModeAuto:
		revert = workDoneRe.MatchString(content)
	}
	if !revert {
		return ""
	}

	a.mu.Lock()
	a.previousMode = ""
	a.mu.Unlock()
	a.SetMode(prev)
	return "Reverted to " + string(prev) + " mode."
}
