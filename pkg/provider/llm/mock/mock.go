// Package mock provides test doubles for the llm package interfaces.
//
// Script the Chunks field with the deltas a turn should produce; each
// StreamCompletion call consumes the next script entry. Requests are recorded
// for assertion.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Script holds one chunk sequence per expected StreamCompletion call, in
	// order. When the script runs out, a bare "stop" chunk is streamed.
	Script [][]llm.Chunk

	// StreamErr, if non-nil, is returned by every StreamCompletion call.
	StreamErr error

	// FailFirst makes the first n StreamCompletion calls fail before the
	// script resumes, for exercising retry paths.
	FailFirst int

	// CompleteResponse is returned by Complete. If nil, Complete returns an
	// empty response.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by Complete.
	CompleteErr error

	// Requests records every request passed to either method, in order.
	Requests []llm.CompletionRequest

	next int
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the request and streams the next scripted chunk
// sequence on a buffered channel.
func (p *Provider) StreamCompletion(_ context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.FailFirst > 0 {
		p.FailFirst--
		return nil, errors.New("mock: stream unavailable")
	}
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	chunks := []llm.Chunk{{FinishReason: "stop"}}
	if p.next < len(p.Script) {
		chunks = p.Script[p.next]
		p.next++
	}

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Complete records the request and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse != nil {
		return p.CompleteResponse, nil
	}
	return &llm.CompletionResponse{}, nil
}

// RequestCount returns the number of recorded requests. Thread-safe.
func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// Reset clears recorded requests and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = nil
	p.next = 0
}
