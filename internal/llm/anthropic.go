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

const (
	anthropicDefaultEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
	anthropicDefaultMax      = 4096
)

// AnthropicBackend talks to the Anthropic messages API. The same backend
// serves the cloud-hosted variant under a different name and endpoint.
type AnthropicBackend struct {
	name     string
	apiKey   string
	endpoint string
	client   *http.Client
}

// AnthropicOption configures the backend.
type AnthropicOption func(*AnthropicBackend)

// WithAnthropicEndpoint points the backend at a non-default messages URL.
func WithAnthropicEndpoint(endpoint string) AnthropicOption {
	return func(b *AnthropicBackend) { b.endpoint = endpoint }
}

// WithAnthropicName overrides the backend name ("cloud" for the platform's
// hosted variant).
func WithAnthropicName(name string) AnthropicOption {
	return func(b *AnthropicBackend) { b.name = name }
}

// NewAnthropicBackend creates an Anthropic messages backend.
func NewAnthropicBackend(apiKey string, opts ...AnthropicOption) *AnthropicBackend {
	b := &AnthropicBackend{
		name:     "anthropic",
		apiKey:   apiKey,
		endpoint: anthropicDefaultEndpoint,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *AnthropicBackend) Name() string { return b.name }

// ── Wire types ──────────────────────────────────────────────

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
	Error      *anthropicError  `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// buildRequest converts the unified request into the messages API shape.
// System messages collapse into the top-level system string; tool results
// become user-role tool_result blocks.
func (b *AnthropicBackend) buildRequest(req Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicDefaultMax
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "tool":
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case "assistant":
			blocks := []anthropicBlock{}
			if msg.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input, err := json.Marshal(tc.Arguments)
				if err != nil {
					input = []byte("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
			}
		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return out
}

func (b *AnthropicBackend) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(b.buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	key := req.APIKey
	if key == "" {
		key = b.apiKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr anthropicResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
			return nil, fmt.Errorf("anthropic api %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("anthropic api %d: %s", resp.StatusCode, string(raw))
	}
	return resp, nil
}

// Complete runs one synchronous messages call.
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := b.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	result := &Result{
		StopReason: decoded.StopReason,
		Usage: Usage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
			TotalTokens:  decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
		},
	}
	var text []string
	for _, block := range decoded.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: parseToolArguments(block.ID, block.Name, block.Input),
			})
		}
	}
	result.Content = strings.Join(text, "")
	return result, nil
}

// ── Streaming ───────────────────────────────────────────────

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *anthropicBlock `json:"content_block,omitempty"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta"`

	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`

	Error *anthropicError `json:"error,omitempty"`
}

// toolAccumulator gathers partial JSON for one in-progress tool_use block.
type toolAccumulator struct {
	id   string
	name string
	buf  strings.Builder
}

// finalize parses the accumulated JSON. Malformed JSON becomes an empty
// object and is logged; speculative partial parsing is deliberately avoided.
func (a *toolAccumulator) finalize() map[string]any {
	return parseToolArguments(a.id, a.name, []byte(a.buf.String()))
}

func parseToolArguments(id, name string, raw []byte) map[string]any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		log.Warn().Err(err).
			Str("tool_id", id).
			Str("tool_name", name).
			Msg("malformed tool arguments, substituting empty object")
		return map[string]any{}
	}
	return args
}

// Stream runs one streaming messages call and converts SSE events into the
// unified stream contract.
func (b *AnthropicBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				log.Warn().Err(err).Msg("skipping unparseable anthropic stream event")
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					tools[ev.Index] = &toolAccumulator{
						id:   ev.ContentBlock.ID,
						name: ev.ContentBlock.Name,
					}
					out <- StreamEvent{
						Type:     EventToolCallStart,
						ToolID:   ev.ContentBlock.ID,
						ToolName: ev.ContentBlock.Name,
					}
				}
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					out <- StreamEvent{Type: EventToken, Text: ev.Delta.Text}
				case "thinking_delta":
					out <- StreamEvent{Type: EventThinking, Text: ev.Delta.Thinking}
				case "input_json_delta":
					if acc, ok := tools[ev.Index]; ok {
						acc.buf.WriteString(ev.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if acc, ok := tools[ev.Index]; ok {
					out <- StreamEvent{
						Type:      EventToolCallEnd,
						ToolID:    acc.id,
						ToolName:  acc.name,
						ToolInput: acc.finalize(),
					}
					delete(tools, ev.Index)
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					stopReason = ev.Delta.StopReason
				}
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			case "error":
				msg := "anthropic stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				out <- StreamEvent{Type: EventError, Err: fmt.Errorf("%s", msg)}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamEvent{Type: EventError, Err: fmt.Errorf("anthropic stream read: %w", err)}
			return
		}

		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		out <- StreamEvent{Type: EventDone, Usage: &usage, StopReason: stopReason}
	}()
	return out, nil
}
