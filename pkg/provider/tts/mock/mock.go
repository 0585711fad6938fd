// Package mock provides test doubles for the tts package interfaces.
//
// The Provider echoes each text fragment as a deterministic PCM chunk so
// tests can correlate synthesised audio with the text that produced it.
package mock

import (
	"context"
	"sync"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SampleRate reported by Output. Defaults to 16000 when zero.
	SampleRate int

	// BytesPerFragment is the size of the PCM chunk emitted per text
	// fragment. Defaults to 320 (10 ms at 16 kHz) when zero.
	BytesPerFragment int

	// StartErr, if non-nil, is returned by SynthesizeStream.
	StartErr error

	// Fragments records every non-empty text fragment received, across all
	// streams, in order.
	Fragments []string

	// StreamCount is the number of SynthesizeStream calls.
	StreamCount int
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream emits one zero-filled PCM chunk per consumed fragment and
// closes the audio channel when the text channel closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	p.StreamCount++
	if p.StartErr != nil {
		p.mu.Unlock()
		return nil, p.StartErr
	}
	size := p.BytesPerFragment
	p.mu.Unlock()
	if size == 0 {
		size = 320
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if fragment == "" {
					continue
				}
				p.mu.Lock()
				p.Fragments = append(p.Fragments, fragment)
				p.mu.Unlock()
				select {
				case audioCh <- make([]byte, size):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// Output implements tts.Provider.
func (p *Provider) Output() tts.Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	sr := p.SampleRate
	if sr == 0 {
		sr = 16000
	}
	return tts.Output{SampleRate: sr}
}

// FragmentCount returns the number of recorded fragments. Thread-safe.
func (p *Provider) FragmentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Fragments)
}
