package vad

import (
	"math"
	"testing"
)

func speechFrame(samples int) []byte {
	out := make([]byte, samples*2)
	for i := range samples {
		v := int16(12000 * math.Sin(2*math.Pi*300*float64(i)/8000))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func silenceFrame(samples int) []byte {
	return make([]byte, samples*2)
}

func newTestSession(t *testing.T) SessionHandle {
	t.Helper()
	s, err := NewEnergyEngine().NewSession(Config{
		SampleRate:       8000,
		FrameSizeMs:      20,
		SpeechThreshold:  0.02,
		SilenceThreshold: 0.012,
		OnsetMs:          40,
		HangoverMs:       40,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// ─── TestEnergyOnsetGuard ────────────────────────────────────────────────────

// A speech segment is confirmed only after the onset is sustained, so a
// single loud frame never reports StateSpeechStart.
func TestEnergyOnsetGuard(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	speech := speechFrame(160)

	ev, err := s.ProcessFrame(speech)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.State != StateSilence {
		t.Fatalf("first speech frame: want StateSilence, got %v", ev.State)
	}
	ev, _ = s.ProcessFrame(speech)
	if ev.State != StateSpeechStart {
		t.Fatalf("second speech frame: want StateSpeechStart, got %v", ev.State)
	}
	ev, _ = s.ProcessFrame(speech)
	if ev.State != StateSpeech {
		t.Fatalf("third speech frame: want StateSpeech, got %v", ev.State)
	}
}

// ─── TestEnergyOnsetResetBySilence ───────────────────────────────────────────

// A short burst below the onset length does not start a segment.
func TestEnergyOnsetResetBySilence(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	speech, silence := speechFrame(160), silenceFrame(160)

	for range 3 {
		if ev, _ := s.ProcessFrame(speech); ev.State == StateSpeechStart {
			t.Fatal("segment started despite silence resets")
		}
		if ev, _ := s.ProcessFrame(silence); ev.State != StateSilence {
			t.Fatal("silence frame should report StateSilence")
		}
	}
}

// ─── TestEnergyHangover ──────────────────────────────────────────────────────

func TestEnergyHangover(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	speech, silence := speechFrame(160), silenceFrame(160)

	s.ProcessFrame(speech)
	s.ProcessFrame(speech) // segment confirmed

	ev, _ := s.ProcessFrame(silence)
	if ev.State != StateSpeech {
		t.Fatalf("first trailing silence: want StateSpeech, got %v", ev.State)
	}
	ev, _ = s.ProcessFrame(silence)
	if ev.State != StateSpeechEnd {
		t.Fatalf("hangover elapsed: want StateSpeechEnd, got %v", ev.State)
	}
	ev, _ = s.ProcessFrame(silence)
	if ev.State != StateSilence {
		t.Fatalf("after segment end: want StateSilence, got %v", ev.State)
	}
}

// ─── TestEnergySessionErrors ─────────────────────────────────────────────────

func TestEnergySessionErrors(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("wrong frame size should error")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(silenceFrame(160)); err == nil {
		t.Error("ProcessFrame after Close should error")
	}
}

// ─── TestEnergyConfigValidation ──────────────────────────────────────────────

func TestEnergyConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero sample rate", cfg: Config{FrameSizeMs: 20, SpeechThreshold: 0.02, SilenceThreshold: 0.01}},
		{name: "zero frame size", cfg: Config{SampleRate: 8000, SpeechThreshold: 0.02, SilenceThreshold: 0.01}},
		{name: "silence above speech", cfg: Config{SampleRate: 8000, FrameSizeMs: 20, SpeechThreshold: 0.02, SilenceThreshold: 0.5}},
		{name: "threshold out of range", cfg: Config{SampleRate: 8000, FrameSizeMs: 20, SpeechThreshold: 1.5, SilenceThreshold: 0.01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewEnergyEngine().NewSession(tt.cfg); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

// ─── TestEnergyDefaultThresholds ─────────────────────────────────────────────

// A session created with only the stream parameters gets the telephony
// threshold defaults and detects speech, the way call setup builds it.
func TestEnergyDefaultThresholds(t *testing.T) {
	t.Parallel()

	s, err := NewEnergyEngine().NewSession(Config{
		SampleRate:  8000,
		FrameSizeMs: 20,
	})
	if err != nil {
		t.Fatalf("NewSession with default thresholds: %v", err)
	}

	speech := speechFrame(160)
	var started bool
	for range 10 {
		ev, err := s.ProcessFrame(speech)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.State == StateSpeechStart {
			started = true
			break
		}
	}
	if !started {
		t.Fatal("default thresholds never confirmed a speech segment")
	}
}

// ─── TestEnergyReset ─────────────────────────────────────────────────────────

func TestEnergyReset(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	speech := speechFrame(160)
	s.ProcessFrame(speech)
	s.ProcessFrame(speech) // in segment
	s.Reset()

	ev, _ := s.ProcessFrame(speech)
	if ev.State != StateSilence {
		t.Fatalf("after Reset the onset guard should rearm, got %v", ev.State)
	}
}
