package llm

import (
	"encoding/json"
	"strings"
)

// inlineCall is the JSON shape models without a native tool protocol are
// prompted to emit inside a fenced code block.
type inlineCall struct {
	Tool      string          `json:"tool"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ExtractInlineToolCalls scans assistant text for tool calls emitted as
// fenced JSON blocks and returns them together with the text stripped of
// those blocks. Used when a pipeline runs with the "compatible" tool policy
// against a model that has no native tool-call protocol.
//
// A block qualifies when it parses as a JSON object with a "tool" (or "name")
// string and an "arguments" object. Anything else is left in the text
// untouched, so ordinary code examples spoken by the model are not swallowed.
func ExtractInlineToolCalls(text string) ([]ToolCall, string) {
	var calls []ToolCall
	var kept strings.Builder

	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			kept.WriteString(rest)
			break
		}
		bodyStart := start + 3
		// Skip an optional language tag such as "json".
		if nl := strings.IndexByte(rest[bodyStart:], '\n'); nl >= 0 {
			tag := strings.TrimSpace(rest[bodyStart : bodyStart+nl])
			if tag == "" || tag == "json" {
				bodyStart += nl + 1
			}
		}
		end := strings.Index(rest[bodyStart:], "```")
		if end < 0 {
			kept.WriteString(rest)
			break
		}

		body := strings.TrimSpace(rest[bodyStart : bodyStart+end])
		if call, ok := parseInlineCall(body); ok {
			kept.WriteString(rest[:start])
			calls = append(calls, call)
		} else {
			kept.WriteString(rest[:bodyStart+end+3])
		}
		rest = rest[bodyStart+end+3:]
	}

	return calls, strings.TrimSpace(kept.String())
}

func parseInlineCall(body string) (ToolCall, bool) {
	if !strings.HasPrefix(body, "{") {
		return ToolCall{}, false
	}
	var ic inlineCall
	if err := json.Unmarshal([]byte(body), &ic); err != nil {
		return ToolCall{}, false
	}
	name := ic.Tool
	if name == "" {
		name = ic.Name
	}
	if name == "" || len(ic.Arguments) == 0 {
		return ToolCall{}, false
	}
	// Arguments must be an object, not a bare value.
	if !strings.HasPrefix(strings.TrimSpace(string(ic.Arguments)), "{") {
		return ToolCall{}, false
	}
	return ToolCall{Name: name, Arguments: string(ic.Arguments)}, true
}
