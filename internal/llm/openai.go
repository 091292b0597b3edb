package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/podex/podex/pkg/models"
)

const openaiDefaultBase = "https://api.openai.com/v1"

// OpenAIBackend talks to any OpenAI-compatible chat completions API. The
// local inference server is this same backend named "local" and pointed at
// the local base URL.
type OpenAIBackend struct {
	name   string
	apiKey string
	base   string
	client *http.Client
}

// OpenAIOption configures the backend.
type OpenAIOption func(*OpenAIBackend)

// WithOpenAIBase sets the API base URL (e.g. a local inference server).
func WithOpenAIBase(base string) OpenAIOption {
	return func(b *OpenAIBackend) { b.base = strings.TrimRight(base, "/") }
}

// WithOpenAIName overrides the backend name ("local" for local inference).
func WithOpenAIName(name string) OpenAIOption {
	return func(b *OpenAIBackend) { b.name = name }
}

// NewOpenAIBackend creates an OpenAI-compatible chat completions backend.
func NewOpenAIBackend(apiKey string, opts ...OpenAIOption) *OpenAIBackend {
	b := &OpenAIBackend{
		name:   "openai",
		apiKey: apiKey,
		base:   openaiDefaultBase,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *OpenAIBackend) Name() string { return b.name }

// ── Wire types ──────────────────────────────────────────────

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`

	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
	Error *openaiError `json:"error,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (b *OpenAIBackend) buildRequest(req Request, stream bool) openaiRequest {
	out := openaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if stream {
		out.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	for _, msg := range req.Messages {
		m := openaiMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == "tool" {
			m.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			call := openaiToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			m.ToolCalls = append(m.ToolCalls, call)
		}
		out.Messages = append(out.Messages, m)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func (b *OpenAIBackend) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(b.buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("encode openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	key := req.APIKey
	if key == "" {
		key = b.apiKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr openaiResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
			return nil, fmt.Errorf("openai api %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("openai api %d: %s", resp.StatusCode, string(raw))
	}
	return resp, nil
}

// Complete runs one synchronous chat completion.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := b.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}

	choice := decoded.Choices[0]
	result := &Result{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	if decoded.Usage != nil {
		result.Usage = Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		}
	}
	for _, call := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: parseToolArguments(call.ID, call.Function.Name, []byte(call.Function.Arguments)),
		})
	}
	return result, nil
}

// ── Streaming ───────────────────────────────────────────────

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

// Stream runs one streaming chat completion. Tool-call argument fragments
// arrive per index and are accumulated until the finish chunk.
func (b *OpenAIBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	resp, err := b.do(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var usage Usage
		var stopReason string
		tools := make(map[int]*toolAccumulator)
		order := []int{}

		flushTools := func() {
			for _, idx := range order {
				acc := tools[idx]
				out <- StreamEvent{
					Type:      EventToolCallEnd,
					ToolID:    acc.id,
					ToolName:  acc.name,
					ToolInput: acc.finalize(),
				}
			}
			tools = make(map[int]*toolAccumulator)
			order = order[:0]
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				log.Warn().Err(err).Msg("skipping unparseable openai stream chunk")
				continue
			}

			if chunk.Usage != nil {
				usage = Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				out <- StreamEvent{Type: EventToken, Text: choice.Delta.Content}
			}
			for _, call := range choice.Delta.ToolCalls {
				acc, ok := tools[call.Index]
				if !ok {
					acc = &toolAccumulator{id: call.ID, name: call.Function.Name}
					tools[call.Index] = acc
					order = append(order, call.Index)
					out <- StreamEvent{
						Type:     EventToolCallStart,
						ToolID:   acc.id,
						ToolName: acc.name,
					}
				}
				if acc.id == "" && call.ID != "" {
					acc.id = call.ID
				}
				if acc.name == "" && call.Function.Name != "" {
					acc.name = call.Function.Name
				}
				acc.buf.WriteString(call.Function.Arguments)
			}
			if choice.FinishReason != "" {
				stopReason = choice.FinishReason
				flushTools()
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamEvent{Type: EventError, Err: fmt.Errorf("openai stream read: %w", err)}
			return
		}

		flushTools()
		out <- StreamEvent{Type: EventDone, Usage: &usage, StopReason: stopReason}
	}()
	return out, nil
}
