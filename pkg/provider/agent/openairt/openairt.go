// Package openairt implements the provider interfaces for OpenAI's Realtime
// API, a full-agent backend that handles transcription, reasoning, and
// synthesis on one bidirectional WebSocket.
//
// Audio travels as base64-encoded PCM16 at 24 kHz in both directions. Tool
// calls surface as provider events; results go back with PushToolResult,
// which also triggers the model's follow-up response.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
)

var (
	_ provider.Provider    = (*Provider)(nil)
	_ provider.Handle      = (*session)(nil)
	_ provider.Interrupter = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	// The Realtime API accepts and produces PCM16 at 24 kHz only.
	realtimeRate = 24000
)

// ─── Options ─────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the synthesis voice.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ─── Provider ────────────────────────────────────────────────────────────────

// Provider implements provider.Provider for OpenAI's Realtime API.
type Provider struct {
	name    string
	apiKey  string
	model   string
	voice   string
	baseURL string
}

// New creates a new Realtime Provider. name is the configured provider name
// used in logs and capability lookups.
func New(name, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openairt: apiKey must not be empty")
	}
	p := &Provider{
		name:    name,
		apiKey:  apiKey,
		model:   defaultModel,
		voice:   defaultVoice,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		IngressEncodings: []audio.Encoding{audio.EncodingSLin16},
		IngressRates:     []int{realtimeRate},
		EgressEncodings:  []audio.Encoding{audio.EncodingSLin16},
		EgressRates:      []int{realtimeRate},
		PreferredChunkMs: 20,
		FullAgent:        true,
		NativeVAD:        true,
		ToolPolicy:       provider.ToolPolicyStrict,
	}
}

// Open implements provider.Provider. It dials the Realtime endpoint and
// configures the session with the rendered instructions and tool catalog.
func (p *Provider) Open(ctx context.Context, cfg provider.OpenConfig) (provider.Handle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openairt: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan provider.Event, 128),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(p.voice, cfg.SystemPrompt, cfg.Tools); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openairt: session update: %w", err)
	}

	if cfg.Greeting != "" {
		err := sess.writeJSON(map[string]any{
			"type": "response.create",
			"response": map[string]any{
				"instructions": "Greet the caller with exactly: " + cfg.Greeting,
			},
		})
		if err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "greeting failed")
			return nil, fmt.Errorf("openairt: greeting: %w", err)
		}
	}

	go sess.receiveLoop()

	return sess, nil
}

// ─── Protocol message types (outgoing) ───────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []rtTool  `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
	TurnDetection     *turnSpec `json:"turn_detection,omitempty"`
}

type turnSpec struct {
	Type string `json:"type"`
}

type rtTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ─── Protocol message types (incoming) ───────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ─── session ─────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan provider.Event

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, tools, audio formats, and
// server-side turn detection.
func (s *session) sendSessionUpdate(voice, instructions string, tools []provider.ToolSchema) error {
	params := sessionParams{
		Voice:             voice,
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnSpec{Type: "server_vad"},
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, rtTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openairt: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads server events and translates them onto the event stream.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(provider.Event{
				Type: provider.EventError,
				Err:  &provider.Error{Kind: "transient", Detail: err.Error(), Retryable: true},
			})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.emit(provider.Event{
			Type:     provider.EventAssistantAudio,
			Audio:    pcm,
			Encoding: audio.EncodingSLin16,
			Rate:     realtimeRate,
		})

	case "response.audio.done":
		s.emit(provider.Event{Type: provider.EventAssistantAudioDone})

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return
		}
		s.emit(provider.Event{Type: provider.EventAssistantText, Text: evt.Transcript})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(provider.Event{Type: provider.EventFinalTranscript, Text: evt.Transcript})

	case "response.function_call_arguments.done":
		s.emit(provider.Event{
			Type: provider.EventToolCall,
			Tool: provider.ToolCall{
				ID:        evt.CallID,
				Name:      evt.Name,
				Arguments: evt.Arguments,
			},
		})

	case "error":
		detail := "unknown error"
		kind := "transient"
		if evt.Error != nil {
			if evt.Error.Message != "" {
				detail = evt.Error.Message
			}
			if evt.Error.Type == "invalid_request_error" {
				kind = "protocol"
			}
		}
		s.emit(provider.Event{
			Type: provider.EventError,
			Err:  &provider.Error{Kind: kind, Detail: detail, Retryable: kind == "transient"},
		})
	}
}

func (s *session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// ─── Handle methods ──────────────────────────────────────────────────────────

// PushAudio appends one PCM16 frame to the model's input buffer. Server-side
// VAD commits the buffer and starts responses.
func (s *session) PushAudio(frame audio.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openairt: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	})
}

// PushToolResult returns a tool invocation's output and triggers the model's
// follow-up response.
func (s *session) PushToolResult(invocationID, payload string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openairt: session closed")
	}
	s.mu.Unlock()

	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: invocationID,
			Output: payload,
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Events implements provider.Handle.
func (s *session) Events() <-chan provider.Event { return s.events }

// Interrupt sends a response.cancel event to stop the current model response.
// Used by the barge-in path.
func (s *session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		if reason == "" {
			reason = "session closed"
		}
		s.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return nil
}
