// Package tools holds the tool catalog offered to the language model and the
// executor that runs invocations: JSON Schema argument validation, per-tool
// timeouts, typed results, and the hangup guardrail that keeps a polite
// mid-conversation "thanks" from ending the call.
//
// Tools are tagged with a phase. Pre-call tools run after answer and feed
// their results into the system prompt as template variables; in-call tools
// run synchronously inside a turn; post-call tools run fire-and-forget after
// the session ends.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
)

// Status classifies a tool outcome.
type Status string

const (
	// StatusSuccess means the tool did what was asked.
	StatusSuccess Status = "success"

	// StatusFailed means the tool ran but the operation did not succeed,
	// such as a transfer declined by the destination.
	StatusFailed Status = "failed"

	// StatusError means the invocation itself broke: bad arguments, timeout,
	// transport failure.
	StatusError Status = "error"
)

// Result is the typed outcome returned to the model.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// JSON renders the result as the payload pushed back to the provider.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error","message":"result not serializable"}`
	}
	return string(b)
}

// Errorf builds an error result.
func Errorf(msg string) Result { return Result{Status: StatusError, Message: msg} }

// Invocation is the per-call context a tool executes under.
type Invocation struct {
	CallID       string
	CallerNumber string
	CalledNumber string

	// Args is the decoded argument object, already validated against the
	// tool's schema.
	Args map[string]any

	// PreCallResults holds earlier pre-call tool outputs keyed by tool name,
	// available to templates as {pre_call_results.<name>}.
	PreCallResults map[string]string

	// LastUtterance is the most recent final caller transcript, consulted by
	// the hangup guardrail.
	LastUtterance string

	// AssistantFarewell is true when the assistant's last reply matched a
	// farewell marker.
	AssistantFarewell bool
}

// Tool is one callable unit in the catalog.
type Tool interface {
	// Name is the catalog key the model calls the tool by.
	Name() string

	// Description is shown to the model.
	Description() string

	// Phase tags when the tool may run.
	Phase() config.ToolPhase

	// Parameters is the JSON Schema for the argument object. Nil means the
	// tool takes no arguments and validation is skipped.
	Parameters() json.RawMessage

	// Timeout is the execution deadline. Zero uses the executor default.
	Timeout() time.Duration

	// Execute runs the tool. The context carries the timeout.
	Execute(ctx context.Context, inv Invocation) Result
}

// Registry is the named tool catalog. It is read-mostly: reload builds a
// fresh registry and swaps it in whole.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ByPhase returns the tools of one phase, sorted by name for deterministic
// iteration.
func (r *Registry) ByPhase(phase config.ToolPhase) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, t := range r.tools {
		if t.Phase() == phase {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Schemas returns the provider-facing catalog of in-call tools, filtered by
// the pipeline's allowlist. An empty allowlist offers every in-call tool.
func (r *Registry) Schemas(allow []string) []provider.ToolSchema {
	allowed := func(string) bool { return true }
	if len(allow) > 0 {
		set := make(map[string]bool, len(allow))
		for _, name := range allow {
			set[name] = true
		}
		allowed = func(name string) bool { return set[name] }
	}

	var out []provider.ToolSchema
	for _, t := range r.ByPhase(config.PhaseInCall) {
		if !allowed(t.Name()) {
			continue
		}
		out = append(out, provider.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}
