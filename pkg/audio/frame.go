// Package audio provides the audio primitives shared by every stage of the
// voice pipeline: PCM16 frames, G.711 codec conversions, a stateful
// chunk-boundary-safe resampler, and the per-call audio profile.
//
// All PCM data in this package is little-endian signed 16-bit mono unless a
// function documents otherwise. Telephony encodings (μ-law, A-law) are 8-bit
// companded mono at 8 kHz on the wire; this package converts them to and from
// PCM16 without touching the sample rate.
package audio

import (
	"fmt"
	"time"
)

// Encoding identifies an audio byte encoding crossing a component boundary.
type Encoding string

const (
	// EncodingULaw is G.711 μ-law, 1 byte per sample.
	EncodingULaw Encoding = "ulaw"

	// EncodingALaw is G.711 A-law, 1 byte per sample.
	EncodingALaw Encoding = "alaw"

	// EncodingSLin16 is signed little-endian 16-bit linear PCM, 2 bytes per sample.
	EncodingSLin16 Encoding = "slin16"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingULaw, EncodingALaw, EncodingSLin16:
		return true
	}
	return false
}

// BytesPerSample returns the wire size of one sample in this encoding.
func (e Encoding) BytesPerSample() int {
	if e == EncodingSLin16 {
		return 2
	}
	return 1
}

// Frame is an ordered run of PCM16 samples at a known sample rate. Frames
// carry a monotonic per-direction sequence number assigned by whichever
// component produced them.
type Frame struct {
	// Data is little-endian PCM16 sample data.
	Data []byte

	// SampleRate is the rate of Data in Hz.
	SampleRate int

	// Seq is the monotonic sequence number within one session direction.
	Seq uint64
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// ByteDuration returns the play time of n bytes of audio in the given
// encoding at the given rate. Used by the conversation coordinator to extend
// the playback deadline as egress chunks are scheduled.
func ByteDuration(n int, enc Encoding, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := n / enc.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// Profile is the immutable per-call audio contract negotiated at call setup.
// Every byte crossing a component boundary either carries its own
// (encoding, rate) pair or is known to match this profile.
type Profile struct {
	// Name is the configuration name of the profile (e.g. "slin16-wideband").
	Name string

	// InternalRate is the PCM16 rate used between pipeline stages, in Hz.
	InternalRate int

	// IngressEncoding and IngressRate describe audio arriving from the switch.
	IngressEncoding Encoding
	IngressRate     int

	// EgressEncoding and EgressRate describe audio sent to the switch.
	EgressEncoding Encoding
	EgressRate     int

	// ChunkMs is the pacing unit for transport writes, in milliseconds.
	ChunkMs int
}

// Validate reports the first structural problem with the profile, or nil.
func (p Profile) Validate() error {
	if p.InternalRate <= 0 {
		return fmt.Errorf("audio: profile %q: internal rate %d is invalid", p.Name, p.InternalRate)
	}
	if !p.IngressEncoding.IsValid() {
		return fmt.Errorf("audio: profile %q: ingress encoding %q is invalid", p.Name, p.IngressEncoding)
	}
	if !p.EgressEncoding.IsValid() {
		return fmt.Errorf("audio: profile %q: egress encoding %q is invalid", p.Name, p.EgressEncoding)
	}
	if p.IngressRate <= 0 || p.EgressRate <= 0 {
		return fmt.Errorf("audio: profile %q: ingress/egress rate must be positive", p.Name)
	}
	if p.ChunkMs <= 0 {
		return fmt.Errorf("audio: profile %q: chunk duration %dms is invalid", p.Name, p.ChunkMs)
	}
	return nil
}

// ChunkBytes returns the egress transport write size implied by the profile.
func (p Profile) ChunkBytes() int {
	samples := p.EgressRate * p.ChunkMs / 1000
	return samples * p.EgressEncoding.BytesPerSample()
}
