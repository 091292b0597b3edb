package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/podex/podex/pkg/models"
)

// Some providers emit tool calls inline in the assistant text instead of the
// structured tool-call field, as bare JSON objects or fenced code blocks of
// shape {name, arguments|input}. Extraction pulls those out and strips the
// raw JSON from the reported content. Running extraction over already
// stripped content finds nothing, so one pass is a fixed point.

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

type inlineCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Input     map[string]any `json:"input"`
}

// parseInlineCall accepts a candidate JSON object if it has a tool name and
// an arguments/input object.
func parseInlineCall(candidate string) (*models.ToolCall, bool) {
	var call inlineCall
	if err := json.Unmarshal([]byte(candidate), &call); err != nil {
		return nil, false
	}
	if call.Name == "" {
		return nil, false
	}
	args := call.Arguments
	if args == nil {
		args = call.Input
	}
	if args == nil {
		return nil, false
	}
	return &models.ToolCall{
		ID:        "inline_" + uuid.NewString()[:8],
		Name:      call.Name,
		Arguments: args,
	}, true
}

// balancedObject returns the JSON object starting at content[start] by brace
// counting with string awareness, or "" when unbalanced.
func balancedObject(content string, start int) string {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1]
				}
			}
		}
	}
	return ""
}

// ExtractInlineToolCalls finds embedded JSON tool calls in assistant text.
// It returns the calls in document order and the content with the raw JSON
// (and its fence, if any) removed.
func ExtractInlineToolCalls(content string) ([]models.ToolCall, string) {
	var calls []models.ToolCall
	stripped := content

	// fenced blocks first so their inner objects are not re-found as bare
	for _, match := range fencedBlockRe.FindAllStringSubmatch(content, -1) {
		if call, ok := parseInlineCall(match[1]); ok {
			calls = append(calls, *call)
			stripped = strings.Replace(stripped, match[0], "", 1)
		}
	}

	// bare objects in whatever text remains
	for i := 0; i < len(stripped); {
		idx := strings.IndexByte(stripped[i:], '{')
		if idx < 0 {
			break
		}
		start := i + idx
		obj := balancedObject(stripped, start)
		if obj == "" {
			i = start + 1
			continue
		}
		if call, ok := parseInlineCall(obj); ok {
			calls = append(calls, *call)
			stripped = stripped[:start] + stripped[start+len(obj):]
			i = start
			continue
		}
		i = start + 1
	}

	return calls, strings.TrimSpace(stripped)
}
