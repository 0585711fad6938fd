// Package llm defines the Provider interface for language model backends used
// by modular pipelines.
//
// A provider wraps a chat-completion API behind a streaming surface. The
// pipeline sends the conversation history plus the offered tool catalog and
// consumes a channel of Chunk values: text deltas for incremental TTS
// hand-off and accumulated tool calls when the model decides to act.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one entry in the conversation history. Role is one of "system",
// "user", "assistant", or "tool".
type Message struct {
	Role    string
	Content string

	// ToolCalls holds the calls an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes one tool offered to the model. Parameters is a
// JSON Schema document.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// CompletionRequest carries one turn's input to the model.
type CompletionRequest struct {
	// SystemPrompt is prepended as the system message when non-empty.
	SystemPrompt string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools is the catalog offered to the model. Empty disables tool calling.
	Tools []ToolDefinition

	// Temperature of 0 uses the provider default.
	Temperature float64

	// MaxTokens of 0 uses the provider default.
	MaxTokens int
}

// Chunk is one streamed increment of a completion. Text deltas arrive as they
// are generated; accumulated tool calls arrive on the chunk that carries the
// finish reason.
type Chunk struct {
	// Text is the delta of assistant text, possibly empty.
	Text string

	// ToolCalls is non-empty only on a finishing chunk.
	ToolCalls []ToolCall

	// FinishReason is empty mid-stream. "stop", "tool_calls", and "error" are
	// the values the pipeline acts on.
	FinishReason string
}

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is a full non-streamed completion.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// StreamCompletion starts a streamed completion. The returned channel is
	// closed when the completion finishes or ctx is cancelled. Errors during
	// streaming surface as a Chunk with FinishReason "error".
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs a non-streamed completion. Used for pre-call tool turns
	// and call summaries where latency does not matter.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
