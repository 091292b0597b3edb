package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBareObject(t *testing.T) {
	calls, stripped := ExtractInlineToolCalls(`Let me look. {"name":"read_file","arguments":{"path":"main.go"}} One moment.`)

	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, calls[0].Arguments)
	assert.Equal(t, "Let me look.  One moment.", stripped)
}

func TestExtractFencedBlock(t *testing.T) {
	content := "I'll run this:\n```json\n{\"name\":\"run_command\",\"input\":{\"command\":\"go vet ./...\"}}\n```\nStand by."
	calls, stripped := ExtractInlineToolCalls(content)

	require.Len(t, calls, 1)
	assert.Equal(t, "run_command", calls[0].Name)
	assert.Equal(t, map[string]any{"command": "go vet ./..."}, calls[0].Arguments)
	assert.NotContains(t, stripped, "```")
	assert.Contains(t, stripped, "Stand by.")
}

func TestExtractInputKeyFallback(t *testing.T) {
	calls, _ := ExtractInlineToolCalls(`{"name":"remember","input":{"content":"x"}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"content": "x"}, calls[0].Arguments)
}

func TestExtractIgnoresPlainJSON(t *testing.T) {
	// objects without a tool-call shape stay in the content
	content := `The config is {"port": 8080, "debug": true}.`
	calls, stripped := ExtractInlineToolCalls(content)
	assert.Empty(t, calls)
	assert.Equal(t, content, stripped)
}

func TestExtractNestedBraces(t *testing.T) {
	calls, stripped := ExtractInlineToolCalls(`{"name":"write_file","arguments":{"path":"a.json","content":"{\"k\":{\"v\":1}}"}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "write_file", calls[0].Name)
	assert.Empty(t, stripped)
}

func TestExtractMultipleCalls(t *testing.T) {
	content := `{"name":"read_file","arguments":{"path":"a"}} then {"name":"read_file","arguments":{"path":"b"}}`
	calls, stripped := ExtractInlineToolCalls(content)
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"path": "a"}, calls[0].Arguments)
	assert.Equal(t, map[string]any{"path": "b"}, calls[1].Arguments)
	assert.Equal(t, "then", stripped)
}

func TestExtractIsFixedPointAfterOnePass(t *testing.T) {
	content := `prefix {"name":"read_file","arguments":{"path":"a"}} suffix`
	calls, stripped := ExtractInlineToolCalls(content)
	require.Len(t, calls, 1)

	// re-serializing the extracted call and appending it to the stripped
	// text extracts the same call again; stripping is stable
	raw, err := json.Marshal(map[string]any{"name": calls[0].Name, "arguments": calls[0].Arguments})
	require.NoError(t, err)

	again, strippedAgain := ExtractInlineToolCalls(stripped + " " + string(raw))
	require.Len(t, again, 1)
	assert.Equal(t, calls[0].Name, again[0].Name)
	assert.Equal(t, calls[0].Arguments, again[0].Arguments)
	assert.Equal(t, stripped, strippedAgain)

	// and extracting from fully stripped content finds nothing
	none, final := ExtractInlineToolCalls(stripped)
	assert.Empty(t, none)
	assert.Equal(t, stripped, final)
}

func TestExtractUnbalancedBraceSafe(t *testing.T) {
	calls, stripped := ExtractInlineToolCalls(`broken { "name": "x"`)
	assert.Empty(t, calls)
	assert.Equal(t, `broken { "name": "x"`, stripped)
}
