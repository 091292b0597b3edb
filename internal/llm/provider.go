// Package llm presents a single complete/stream contract over several vendor
// backends (Anthropic, OpenAI-compatible, local inference, cloud-hosted
// Anthropic). The router resolves which backend handles a request, applies
// model aliases, and records token usage. Calls never retry internally;
// retry policy belongs to the orchestrator.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

// Request is the vendor-independent completion request.
type Request struct {
	Model       string
	Messages    []models.Message
	Tools       []models.ToolSchema
	MaxTokens   int
	Temperature float64

	// Attribution for usage records; all optional.
	UserID      string
	SessionID   string
	WorkspaceID string
	AgentID     string

	// UserAPIKeys maps provider name to a user-supplied key. When the
	// resolved provider has one, that key is used and usage is billed
	// as external.
	UserAPIKeys map[string]string

	// ProviderHint comes from the model registry entry and wins over
	// model-id inference.
	ProviderHint string

	// APIKey is the resolved key for this call; the router fills it in.
	APIKey string
}

// Usage is one call's token accounting.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Result is the vendor-independent completion result.
type Result struct {
	Content    string
	ToolCalls  []models.ToolCall
	Usage      Usage
	StopReason string
}

// EventType enumerates streaming events.
type EventType string

const (
	EventToken         EventType = "token"
	EventThinking      EventType = "thinking"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallEnd   EventType = "tool_call_end"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// StreamEvent is one typed event on a streaming response. Incremental
// tool-argument deltas are accumulated per id inside the backend; callers
// only see tool_call_start and tool_call_end with the final parsed input.
type StreamEvent struct {
	Type       EventType
	Text       string
	ToolID     string
	ToolName   string
	ToolInput  map[string]any
	Usage      *Usage
	StopReason string
	Err        error
}

// Backend is one vendor integration.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Result, error)
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// anthropicAliases maps the short model names to canonical ids. Unknown
// strings pass through untouched.
var anthropicAliases = map[string]string{
	"opus":   "claude-opus-4-1",
	"sonnet": "claude-sonnet-4-5",
	"haiku":  "claude-haiku-4-5",
}

// ResolveModelAlias expands a short anthropic alias to its canonical id.
func ResolveModelAlias(model string) string {
	if canonical, ok := anthropicAliases[model]; ok {
		return canonical
	}
	return model
}

// InferProvider maps a model id to a provider name, or "" when unknown.
func InferProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case model == "opus" || model == "sonnet" || model == "haiku":
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1-"),
		strings.HasPrefix(model, "o3-"),
		strings.HasPrefix(model, "chatgpt-"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	}
	return ""
}

// Router dispatches requests to the right backend and records usage.
type Router struct {
	backends        map[string]Backend
	defaultProvider string
	usage           store.UsageStore
	quotas          store.QuotaStore
}

// NewRouter builds a router over the given backends. defaultProvider is used
// when neither the hint nor the model id resolves to a configured backend.
func NewRouter(defaultProvider string, usage store.UsageStore, quotas store.QuotaStore, backends ...Backend) *Router {
	m := make(map[string]Backend, len(backends))
	for _, b := range backends {
		m[b.Name()] = b
	}
	return &Router{
		backends:        m,
		defaultProvider: defaultProvider,
		usage:           usage,
		quotas:          quotas,
	}
}

// resolution is the outcome of provider resolution for one request.
type resolution struct {
	backend Backend
	source  models.UsageSource
}

// resolve applies the resolution rules in order: explicit hint, then
// model-id inference, then the platform default. A user-supplied key for the
// resolved provider switches billing to external.
func (r *Router) resolve(req *Request) (resolution, error) {
	name := req.ProviderHint
	if name == "" {
		name = InferProvider(req.Model)
	}

	if name != "" {
		if key, ok := req.UserAPIKeys[name]; ok && key != "" {
			backend, exists := r.backends[name]
			if !exists {
				return resolution{}, fmt.Errorf("provider %q not configured", name)
			}
			req.APIKey = key
			return resolution{backend: backend, source: models.UsageExternal}, nil
		}
		if backend, exists := r.backends[name]; exists {
			return resolution{backend: backend, source: sourceFor(name)}, nil
		}
	}

	backend, exists := r.backends[r.defaultProvider]
	if !exists {
		return resolution{}, fmt.Errorf("default provider %q not configured", r.defaultProvider)
	}
	return resolution{backend: backend, source: sourceFor(r.defaultProvider)}, nil
}

// sourceFor classifies platform-keyed usage: included only on the platform's
// own cloud backend, local for the local inference server.
func sourceFor(provider string) models.UsageSource {
	switch provider {
	case "cloud":
		return models.UsageIncluded
	case "local":
		return models.UsageLocal
	}
	return models.UsageExternal
}

// Complete resolves a backend and runs one synchronous completion.
func (r *Router) Complete(ctx context.Context, req Request) (*Result, error) {
	req.Model = ResolveModelAlias(req.Model)
	res, err := r.resolve(&req)
	if err != nil {
		return nil, err
	}

	result, err := res.backend.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	r.recordUsage(ctx, &req, res, result.Usage)
	return result, nil
}

// Stream resolves a backend and runs one streaming completion. Usage is
// recorded when the done event arrives.
func (r *Router) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	req.Model = ResolveModelAlias(req.Model)
	res, err := r.resolve(&req)
	if err != nil {
		return nil, err
	}

	inner, err := res.backend.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		for ev := range inner {
			if ev.Type == EventDone && ev.Usage != nil {
				r.recordUsage(ctx, &req, res, *ev.Usage)
			}
			out <- ev
		}
	}()
	return out, nil
}

// recordUsage publishes a usage record and bumps the token quota. Best
// effort on both: usage accounting must never fail a completion.
func (r *Router) recordUsage(ctx context.Context, req *Request, res resolution, usage Usage) {
	if req.UserID == "" || r.usage == nil {
		return
	}
	rec := &models.UsageRecord{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		WorkspaceID:  req.WorkspaceID,
		AgentID:      req.AgentID,
		Model:        req.Model,
		Provider:     res.backend.Name(),
		Source:       res.source,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.usage.RecordUsage(ctx, rec); err != nil {
		log.Warn().Err(err).Str("user_id", req.UserID).Msg("failed to record llm usage")
	}
	if r.quotas != nil && res.source == models.UsageIncluded {
		if err := r.quotas.AddQuotaUsage(ctx, req.UserID, "tokens", usage.TotalTokens); err != nil {
			log.Warn().Err(err).Str("user_id", req.UserID).Msg("failed to add quota usage")
		}
	}
}
