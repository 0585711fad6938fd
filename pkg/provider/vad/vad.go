// Package vad defines the Engine interface for voice activity detection and
// ships an energy-based detector suitable for telephony audio.
//
// A VAD engine surfaces a frame-level speech detector as a stateful,
// per-stream session. Detection is synchronous by design: ProcessFrame
// returns immediately, making it suitable for the ingress loop that gates
// barge-in and utterance segmentation.
//
// Engines must be safe for concurrent use across sessions. A single
// SessionHandle must not be shared across goroutines.
package vad

// State classifies a processed frame relative to the session's segment
// tracking.
type State int

const (
	// StateSilence means no active speech segment.
	StateSilence State = iota

	// StateSpeechStart marks the first frame of a confirmed speech segment.
	// Emitted only after the configured onset has been sustained, so a cough
	// or line click does not trigger barge-in.
	StateSpeechStart

	// StateSpeech means an active speech segment continues.
	StateSpeech

	// StateSpeechEnd marks the frame on which the segment ended, after the
	// configured hangover of trailing silence.
	StateSpeechEnd
)

// Event is the result of processing one frame.
type Event struct {
	// State is the segment-tracking classification of this frame.
	State State

	// Energy is the frame's normalised RMS energy in [0, 1].
	Energy float64
}

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate must match the PCM16 frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each frame. ProcessFrame returns an
	// error for frames of any other size. Typical: 20.
	FrameSizeMs int

	// SpeechThreshold is the normalised energy above which a frame counts as
	// speech. Range (0, 1]. Zero uses the engine default (0.02, tuned for
	// telephony).
	SpeechThreshold float64

	// SilenceThreshold is the energy below which a frame counts as silence.
	// Must be less than or equal to SpeechThreshold. Zero uses the engine
	// default (0.012).
	SilenceThreshold float64

	// OnsetMs is the sustained speech required before StateSpeechStart is
	// emitted. Zero uses the engine default.
	OnsetMs int

	// HangoverMs is the trailing silence required before StateSpeechEnd is
	// emitted. Zero uses the engine default.
	HangoverMs int
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one PCM16 frame and returns the detection result.
	// The frame must match the configured SampleRate and FrameSizeMs. Must
	// not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears segment state without closing the session. Use when the
	// stream restarts, such as after the agent finishes a playback.
	Reset()

	// Close releases the session. Safe to call more than once.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error for invalid configurations.
	NewSession(cfg Config) (SessionHandle, error)
}
