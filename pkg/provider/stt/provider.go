// Package stt defines the Provider interface for streaming speech-to-text
// backends used by modular pipelines.
//
// An STT provider wraps a real-time transcription service (Deepgram, or the
// local inference server) behind a uniform streaming surface. The central
// abstraction is SessionHandle: once opened, a session accepts PCM16 audio
// chunks and emits two streams of Transcript values, low-latency partials for
// barge-in responsiveness and authoritative finals that drive the turn state
// machine.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Transcript is one recognition result from a streaming session.
type Transcript struct {
	// Text is the recognised utterance text.
	Text string

	// IsFinal marks the transcript as authoritative. Partials may be revised
	// by later results; finals never are.
	IsFinal bool

	// Confidence is the provider's confidence in [0, 1], zero when the
	// provider does not report one.
	Confidence float64

	// Latency is the provider-measured time from end of speech to this
	// result, zero when unknown. Recorded as the time-to-final metric.
	Latency time.Duration
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the PCM16 sample rate in Hz, typically the negotiated
	// profile's internal rate.
	SampleRate int

	// Language is the BCP-47 language tag. Empty lets the provider
	// auto-detect, if supported.
	Language string

	// Keywords boosts recognition of uncommon words such as product names
	// and caller extensions.
	Keywords []string

	// EndpointingMs asks the provider to emit a final after this much
	// trailing silence. Zero uses the provider default.
	EndpointingMs int
}

// SessionHandle is an open streaming transcription session. Callers must call
// Close when done; the Partials and Finals channels are closed when the
// session ends. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one PCM16 chunk for transcription. Returns an error
	// after Close.
	SendAudio(chunk []byte) error

	// Partials emits interim results. Suitable for echo suppression and
	// barge-in confirmation, never for the conversation history.
	Partials() <-chan Transcript

	// Finals emits authoritative results that advance the turn.
	Finals() <-chan Transcript

	// Close flushes pending audio and releases the connection. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over any STT backend. Multiple sessions may be
// open simultaneously, one per active call.
type Provider interface {
	// StartStream opens a new session. The returned SessionHandle is ready to
	// accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Segmenter is implemented by providers that transcribe whole utterance
// segments rather than a rolling stream, like the local Whisper-family
// server. The conversation layer re-arms its speech detector after each
// agent playback for them, so the next utterance starts a fresh segment.
type Segmenter interface {
	Segmented() bool
}
