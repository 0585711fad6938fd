// Package provider defines the uniform capability and event surface shared by
// every speech/language backend shape: modular STT→LLM→TTS pipelines,
// full-agent duplex services, and the local multi-capability inference server.
//
// The engine never inspects a backend's wire protocol. It opens a [Handle],
// pushes ingress audio frames into it, and consumes one typed [Event] stream
// out of it. Concrete adapters live in the role subpackages (stt, llm, tts,
// agent, local) and in internal/pipeline, which composes three role adapters
// behind the same Handle surface a full-agent provider exposes.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
)

// ErrHandleClosed is returned by pushes into a handle after Close.
var ErrHandleClosed = errors.New("provider: handle closed")

// ToolPolicy controls how tool calls emitted by a backend are interpreted.
type ToolPolicy string

const (
	// ToolPolicyStrict accepts only the backend's native tool-call protocol.
	ToolPolicyStrict ToolPolicy = "strict"

	// ToolPolicyCompatible additionally parses tool calls out of free-form
	// text, for models without a native protocol.
	ToolPolicyCompatible ToolPolicy = "compatible"

	// ToolPolicyOff disables tool calling for the backend entirely.
	ToolPolicyOff ToolPolicy = "off"
)

// IsValid reports whether p is a recognised tool policy.
func (p ToolPolicy) IsValid() bool {
	switch p {
	case ToolPolicyStrict, ToolPolicyCompatible, ToolPolicyOff:
		return true
	}
	return false
}

// Capabilities describes what a backend supports. The audio profile
// negotiator intersects these with the transport's capabilities and the
// context's preferred profile at call setup.
type Capabilities struct {
	// IngressEncodings and IngressRates list accepted caller-audio formats.
	IngressEncodings []audio.Encoding
	IngressRates     []int

	// EgressEncodings and EgressRates list the formats agent audio may be
	// produced in.
	EgressEncodings []audio.Encoding
	EgressRates     []int

	// PreferredChunkMs is the backend's preferred audio pacing unit.
	PreferredChunkMs int

	// FullAgent is true when the backend handles STT+LLM+TTS on one duplex
	// connection.
	FullAgent bool

	// NativeVAD is true when the backend performs server-side voice activity
	// detection, making the local segmenter advisory only.
	NativeVAD bool

	// SegmentedSTT is true when the recognizer transcribes whole utterance
	// segments rather than a rolling stream. The conversation layer re-arms
	// its barge-in detector after each playback for these backends.
	SegmentedSTT bool

	// ToolPolicy is the backend's tool-calling support level.
	ToolPolicy ToolPolicy
}

// ToolSchema is the provider-facing description of one callable tool.
// Parameters is a JSON Schema document.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is a tool invocation emitted by a backend.
type ToolCall struct {
	// ID is the backend's invocation id, echoed back with the result.
	ID string

	// Name is the tool name from the offered catalog.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// EventType discriminates the variants of [Event].
type EventType string

const (
	EventPartialTranscript  EventType = "partial_transcript"
	EventFinalTranscript    EventType = "final_transcript"
	EventAssistantText      EventType = "assistant_text"
	EventAssistantAudio     EventType = "assistant_audio"
	EventAssistantAudioDone EventType = "assistant_audio_done"
	EventToolCall           EventType = "tool_call"
	EventError              EventType = "error"
)

// Event is one item on a backend's event stream. Exactly the fields relevant
// to Type are populated.
type Event struct {
	Type EventType

	// Text carries transcript or assistant text for the transcript and
	// assistant-text variants.
	Text string

	// Audio, Encoding, and Rate carry one agent audio chunk for
	// EventAssistantAudio.
	Audio    []byte
	Encoding audio.Encoding
	Rate     int

	// Tool is set for EventToolCall.
	Tool ToolCall

	// Err is set for EventError.
	Err *Error
}

// Error describes a backend failure surfaced on the event stream.
type Error struct {
	// Kind is a stable category: "transient", "auth", "quota", "protocol".
	Kind string

	// Detail is a human-readable description for logs and the call record.
	Detail string

	// Retryable indicates the operation may be retried with backoff.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "provider: " + e.Kind + ": " + e.Detail
}

// OpenConfig carries everything a backend needs to start serving one call.
type OpenConfig struct {
	// CallID is the switch's opaque call identifier, used for logging.
	CallID string

	// Profile is the negotiated audio contract for the call.
	Profile audio.Profile

	// SystemPrompt is the fully rendered system instruction, including
	// pre-call tool results.
	SystemPrompt string

	// Greeting, when non-empty, is spoken by the agent before the first
	// caller turn.
	Greeting string

	// Tools is the catalog offered to the backend, already filtered by the
	// pipeline's allowlist.
	Tools []ToolSchema
}

// Handle is an open per-call connection to a backend. The caller owns the
// handle and must call Close exactly once; Events is closed after Close
// returns or when the backend ends the stream itself.
//
// All methods are safe for concurrent use.
type Handle interface {
	// PushAudio delivers one ingress frame at the profile's internal rate.
	// Calling PushAudio after Close returns an error.
	PushAudio(frame audio.Frame) error

	// PushToolResult reports the outcome of a tool invocation previously
	// emitted as an EventToolCall.
	PushToolResult(invocationID, payload string) error

	// Events returns the backend's typed event stream. The channel is closed
	// when the backend finishes or the handle is closed.
	Events() <-chan Event

	// Close tears the connection down. reason is forwarded to backends whose
	// protocol carries a close reason. Safe to call more than once.
	Close(reason string) error
}

// Interrupter is implemented by handles that can cancel an in-flight
// assistant response. The barge-in path checks for it: full-agent backends
// cancel server-side generation, while pipeline handles stop synthesis
// locally and discarding is enough.
type Interrupter interface {
	Interrupt() error
}

// Provider is a backend able to serve calls.
type Provider interface {
	// Name returns the configured provider name, used in logs and metrics.
	Name() string

	// Capabilities returns static metadata assumed constant for the lifetime
	// of the provider instance.
	Capabilities() Capabilities

	// Open establishes a per-call connection. The returned Handle is ready to
	// accept audio immediately.
	Open(ctx context.Context, cfg OpenConfig) (Handle, error)
}
