package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

// fakeBackend records the last request it served.
type fakeBackend struct {
	name string
	last Request
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Complete(_ context.Context, req Request) (*Result, error) {
	f.last = req
	return &Result{
		Content: "ok from " + f.name,
		Usage:   Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeBackend) Stream(_ context.Context, req Request) (<-chan StreamEvent, error) {
	f.last = req
	ch := make(chan StreamEvent, 2)
	ch <- StreamEvent{Type: EventToken, Text: "ok"}
	ch <- StreamEvent{Type: EventDone, Usage: &Usage{TotalTokens: 3}}
	close(ch)
	return ch, nil
}

func TestInferProvider(t *testing.T) {
	for model, want := range map[string]string{
		"claude-sonnet-4-5":   "anthropic",
		"opus":                "anthropic",
		"sonnet":              "anthropic",
		"haiku":               "anthropic",
		"gpt-4o":              "openai",
		"o1-preview":          "openai",
		"o3-mini":             "openai",
		"chatgpt-4o-latest":   "openai",
		"gemini-2.0-flash":    "google",
		"llama-3.3-70b":       "",
		"mistral-large":       "",
	} {
		assert.Equal(t, want, InferProvider(model), model)
	}
}

func TestResolveModelAlias(t *testing.T) {
	assert.Equal(t, "claude-opus-4-1", ResolveModelAlias("opus"))
	assert.Equal(t, "claude-sonnet-4-5", ResolveModelAlias("sonnet"))
	assert.Equal(t, "claude-haiku-4-5", ResolveModelAlias("haiku"))
	// unknown strings pass through
	assert.Equal(t, "gpt-4o", ResolveModelAlias("gpt-4o"))
	assert.Equal(t, "claude-sonnet-4-5", ResolveModelAlias("claude-sonnet-4-5"))
}

func TestRouterResolution(t *testing.T) {
	anthropic := &fakeBackend{name: "anthropic"}
	openai := &fakeBackend{name: "openai"}
	cloud := &fakeBackend{name: "cloud"}
	local := &fakeBackend{name: "local"}

	s := store.NewMemoryStore()
	r := NewRouter("cloud", s, s, anthropic, openai, cloud, local)
	ctx := context.Background()

	t.Run("hint wins over model inference", func(t *testing.T) {
		res, err := r.Complete(ctx, Request{Model: "claude-sonnet-4-5", ProviderHint: "openai", UserID: "u-1"})
		require.NoError(t, err)
		assert.Equal(t, "ok from openai", res.Content)
	})

	t.Run("model id infers backend", func(t *testing.T) {
		res, err := r.Complete(ctx, Request{Model: "gpt-4o", UserID: "u-1"})
		require.NoError(t, err)
		assert.Equal(t, "ok from openai", res.Content)
	})

	t.Run("unknown model falls back to default", func(t *testing.T) {
		res, err := r.Complete(ctx, Request{Model: "llama-3.3-70b", UserID: "u-1"})
		require.NoError(t, err)
		assert.Equal(t, "ok from cloud", res.Content)
	})

	t.Run("user key marks usage external", func(t *testing.T) {
		_, err := r.Complete(ctx, Request{
			Model:       "claude-sonnet-4-5",
			UserID:      "u-key",
			UserAPIKeys: map[string]string{"anthropic": "sk-user"},
		})
		require.NoError(t, err)
		assert.Equal(t, "sk-user", anthropic.last.APIKey)

		recs := s.UsageRecords()
		require.NotEmpty(t, recs)
		last := recs[len(recs)-1]
		assert.Equal(t, models.UsageExternal, last.Source)
		assert.Equal(t, "anthropic", last.Provider)
	})

	t.Run("alias expands before backend call", func(t *testing.T) {
		_, err := r.Complete(ctx, Request{Model: "sonnet", UserID: "u-1"})
		require.NoError(t, err)
		assert.Equal(t, "claude-sonnet-4-5", anthropic.last.Model)
	})
}

func TestRouterUsageSourceClassification(t *testing.T) {
	cloud := &fakeBackend{name: "cloud"}
	local := &fakeBackend{name: "local"}
	openai := &fakeBackend{name: "openai"}

	s := store.NewMemoryStore()
	r := NewRouter("cloud", s, s, cloud, local, openai)
	ctx := context.Background()

	for _, tc := range []struct {
		hint string
		want models.UsageSource
	}{
		{"cloud", models.UsageIncluded},
		{"local", models.UsageLocal},
		{"openai", models.UsageExternal},
	} {
		_, err := r.Complete(ctx, Request{Model: "m", ProviderHint: tc.hint, UserID: "u-1"})
		require.NoError(t, err)
		recs := s.UsageRecords()
		assert.Equal(t, tc.want, recs[len(recs)-1].Source, tc.hint)
	}
}

func TestRouterNoUserNoRecord(t *testing.T) {
	cloud := &fakeBackend{name: "cloud"}
	s := store.NewMemoryStore()
	r := NewRouter("cloud", s, s, cloud)

	_, err := r.Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Empty(t, s.UsageRecords())
}

func TestRouterStreamRecordsUsageOnDone(t *testing.T) {
	cloud := &fakeBackend{name: "cloud"}
	s := store.NewMemoryStore()
	r := NewRouter("cloud", s, s, cloud)

	ch, err := r.Stream(context.Background(), Request{Model: "m", UserID: "u-1"})
	require.NoError(t, err)
	for range ch {
	}

	recs := s.UsageRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(3), recs[0].TotalTokens)
}

func TestParseToolArgumentsMalformed(t *testing.T) {
	assert.Equal(t, map[string]any{}, parseToolArguments("t1", "write_file", []byte("{not json")))
	assert.Equal(t, map[string]any{}, parseToolArguments("t1", "write_file", nil))
	assert.Equal(t, map[string]any{"path": "a.py"}, parseToolArguments("t1", "write_file", []byte(`{"path":"a.py"}`)))
}

func TestAnthropicStreamAccumulation(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":20}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Running"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"run_command"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"comm"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"and\":\"ls\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer srv.Close()

	b := NewAnthropicBackend("sk-test", WithAnthropicEndpoint(srv.URL))
	ch, err := b.Stream(context.Background(), Request{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	var got []StreamEvent
	for ev := range ch {
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, "Running", got[0].Text)

	assert.Equal(t, EventToolCallStart, got[1].Type)
	assert.Equal(t, "toolu_1", got[1].ToolID)
	assert.Equal(t, "run_command", got[1].ToolName)

	assert.Equal(t, EventToolCallEnd, got[2].Type)
	assert.Equal(t, map[string]any{"command": "ls"}, got[2].ToolInput)

	assert.Equal(t, EventDone, got[3].Type)
	assert.Equal(t, "tool_use", got[3].StopReason)
	require.NotNil(t, got[3].Usage)
	assert.Equal(t, int64(20), got[3].Usage.InputTokens)
	assert.Equal(t, int64(12), got[3].Usage.OutputTokens)
	assert.Equal(t, int64(32), got[3].Usage.TotalTokens)
}

func TestAnthropicStreamMalformedToolJSON(t *testing.T) {
	events := []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"run_command"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"broken"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer srv.Close()

	b := NewAnthropicBackend("sk-test", WithAnthropicEndpoint(srv.URL))
	ch, err := b.Stream(context.Background(), Request{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	var ends []StreamEvent
	for ev := range ch {
		if ev.Type == EventToolCallEnd {
			ends = append(ends, ev)
		}
	}
	require.Len(t, ends, 1)
	assert.Equal(t, map[string]any{}, ends[0].ToolInput)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"content":[
				{"type":"text","text":"done"},
				{"type":"tool_use","id":"toolu_9","name":"read_file","input":{"path":"main.go"}}
			],
			"stop_reason":"tool_use",
			"usage":{"input_tokens":7,"output_tokens":3}
		}`)
	}))
	defer srv.Close()

	b := NewAnthropicBackend("sk-test", WithAnthropicEndpoint(srv.URL))
	res, err := b.Complete(context.Background(), Request{
		Model:    "claude-sonnet-4-5",
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "done", res.Content)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "read_file", res.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, res.ToolCalls[0].Arguments)
	assert.Equal(t, int64(10), res.Usage.TotalTokens)
	assert.Equal(t, "tool_use", res.StopReason)
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices":[{"message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"run_command","arguments":"{\"command\":\"ls\"}"}}]},
				"finish_reason":"tool_calls"}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}
		}`)
	}))
	defer srv.Close()

	b := NewOpenAIBackend("sk-test", WithOpenAIBase(srv.URL))
	res, err := b.Complete(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "run_command", res.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"command": "ls"}, res.ToolCalls[0].Arguments)
	assert.Equal(t, int64(7), res.Usage.TotalTokens)
	assert.Equal(t, "tool_calls", res.StopReason)
}

func TestOpenAIStreamToolAccumulation(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"content":"I'll run "}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"run_command","arguments":"{\"comm"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"pwd\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b := NewOpenAIBackend("sk-test", WithOpenAIBase(srv.URL))
	ch, err := b.Stream(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)

	var got []StreamEvent
	for ev := range ch {
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, EventToolCallStart, got[1].Type)
	assert.Equal(t, EventToolCallEnd, got[2].Type)
	assert.Equal(t, map[string]any{"command": "pwd"}, got[2].ToolInput)
	assert.Equal(t, EventDone, got[3].Type)
	assert.Equal(t, int64(10), got[3].Usage.TotalTokens)
}
