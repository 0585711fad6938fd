// Package tts defines the Provider interface for streaming text-to-speech
// backends used by modular pipelines.
//
// A TTS provider wraps a synthesis service (ElevenLabs, or the local
// inference server) behind one streaming entry point: SynthesizeStream
// accepts a channel of text fragments and returns a channel of PCM16 audio
// chunks as they become available, so LLM output pipes straight into
// synthesis without waiting for the full sentence.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice identifies the voice to synthesise with. ID is provider-specific.
type Voice struct {
	ID   string
	Name string
}

// Output describes the audio format a provider emits.
type Output struct {
	// SampleRate is the PCM16 rate in Hz of the emitted chunks.
	SampleRate int
}

// Provider is the abstraction over any TTS backend. Multiple synthesis
// streams may run in parallel, one per active call.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel emitting PCM16 audio chunks as they are synthesised.
	// The audio channel is closed when all text has been spoken or ctx is
	// cancelled; the caller must drain it. Closing the text channel signals
	// end of input and flushes any buffered synthesis.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// Output reports the fixed audio format of the emitted chunks.
	Output() Output
}
