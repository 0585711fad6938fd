// Package mock provides test doubles for the top-level provider interfaces.
//
// The Handle exposes its event channel directly: tests push the events a
// backend would emit and assert on the audio frames and tool results the
// engine delivered.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
)

// Provider is a mock implementation of provider.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Caps is returned by Capabilities.
	Caps provider.Capabilities

	// Handle is returned by Open. If nil, Open returns a new default Handle.
	Handle provider.Handle

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records the config of every Open call.
	OpenCalls []provider.OpenConfig
}

var _ provider.Provider = (*Provider)(nil)

// Name implements provider.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capabilities { return p.Caps }

// Open records the call and returns Handle, OpenErr.
func (p *Provider) Open(_ context.Context, cfg provider.OpenConfig) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, cfg)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Handle != nil {
		return p.Handle, nil
	}
	return NewHandle(), nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// ToolResult records one PushToolResult invocation.
type ToolResult struct {
	InvocationID string
	Payload      string
}

// Handle is a mock implementation of provider.Handle and provider.Interrupter.
type Handle struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events. Tests send backend events
	// on it and close it to end the stream.
	EventsCh chan provider.Event

	// PushAudioErr, if non-nil, is returned by every PushAudio call.
	PushAudioErr error

	// PushedFrames records every frame passed to PushAudio.
	PushedFrames []audio.Frame

	// ToolResults records every PushToolResult call.
	ToolResults []ToolResult

	// InterruptCount is the number of Interrupt calls.
	InterruptCount int

	// CloseReasons records the reason of every Close call.
	CloseReasons []string

	closed bool
}

var (
	_ provider.Handle      = (*Handle)(nil)
	_ provider.Interrupter = (*Handle)(nil)
)

// NewHandle returns a Handle with a buffered event channel.
func NewHandle() *Handle {
	return &Handle{EventsCh: make(chan provider.Event, 64)}
}

// PushAudio records the frame and returns PushAudioErr.
func (h *Handle) PushAudio(frame audio.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("mock: handle closed")
	}
	if h.PushAudioErr != nil {
		return h.PushAudioErr
	}
	cp := frame
	cp.Data = append([]byte(nil), frame.Data...)
	h.PushedFrames = append(h.PushedFrames, cp)
	return nil
}

// PushToolResult records the call.
func (h *Handle) PushToolResult(invocationID, payload string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("mock: handle closed")
	}
	h.ToolResults = append(h.ToolResults, ToolResult{InvocationID: invocationID, Payload: payload})
	return nil
}

// Events returns EventsCh.
func (h *Handle) Events() <-chan provider.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.EventsCh
}

// Interrupt records the call.
func (h *Handle) Interrupt() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.InterruptCount++
	return nil
}

// Close records the reason. The first Close closes EventsCh.
func (h *Handle) Close(reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CloseReasons = append(h.CloseReasons, reason)
	if !h.closed {
		h.closed = true
		close(h.EventsCh)
	}
	return nil
}

// Emit sends an event on EventsCh, dropping it if the handle is closed.
func (h *Handle) Emit(ev provider.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.EventsCh <- ev
}

// PushedFrameCount returns the number of recorded frames. Thread-safe.
func (h *Handle) PushedFrameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.PushedFrames)
}
