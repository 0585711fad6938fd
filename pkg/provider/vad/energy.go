package vad

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	defaultSpeechThreshold  = 0.02
	defaultSilenceThreshold = 0.012
	defaultOnsetMs          = 120
	defaultHangoverMs       = 400
)

// EnergyEngine is an RMS-energy detector. It has no model weights and no
// external dependencies, which keeps it viable on the ingress hot path at one
// frame per 20 ms per call.
type EnergyEngine struct{}

var _ Engine = (*EnergyEngine)(nil)

// NewEnergyEngine creates an EnergyEngine.
func NewEnergyEngine() *EnergyEngine {
	return &EnergyEngine{}
}

// NewSession implements Engine.
func (e *EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}

	var errs []error
	if cfg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate))
	}
	if cfg.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %dms", cfg.FrameSizeMs))
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("speech threshold must be in (0, 1], got %g", cfg.SpeechThreshold))
	}
	if cfg.SilenceThreshold <= 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		errs = append(errs, fmt.Errorf("silence threshold must be in (0, speech threshold], got %g", cfg.SilenceThreshold))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("vad: invalid config: %w", err)
	}

	onset := cfg.OnsetMs
	if onset == 0 {
		onset = defaultOnsetMs
	}
	hangover := cfg.HangoverMs
	if hangover == 0 {
		hangover = defaultHangoverMs
	}

	return &energySession{
		cfg:            cfg,
		frameBytes:     cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		onsetFrames:    ceilDiv(onset, cfg.FrameSizeMs),
		hangoverFrames: ceilDiv(hangover, cfg.FrameSizeMs),
	}, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// energySession tracks one stream's segment state.
type energySession struct {
	mu             sync.Mutex
	cfg            Config
	frameBytes     int
	onsetFrames    int
	hangoverFrames int

	inSpeech   bool
	speechRun  int // consecutive speech frames while not yet in a segment
	silenceRun int // consecutive silence frames while in a segment
	closed     bool
}

var _ SessionHandle = (*energySession)(nil)

// ProcessFrame implements SessionHandle.
func (s *energySession) ProcessFrame(frame []byte) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{}, errors.New("vad: session is closed")
	}
	if len(frame) != s.frameBytes {
		return Event{}, fmt.Errorf("vad: frame must be %d bytes, got %d", s.frameBytes, len(frame))
	}

	energy := rms(frame)
	ev := Event{Energy: energy}

	if s.inSpeech {
		if energy < s.cfg.SilenceThreshold {
			s.silenceRun++
			if s.silenceRun >= s.hangoverFrames {
				s.inSpeech = false
				s.silenceRun = 0
				ev.State = StateSpeechEnd
				return ev, nil
			}
		} else {
			s.silenceRun = 0
		}
		ev.State = StateSpeech
		return ev, nil
	}

	if energy >= s.cfg.SpeechThreshold {
		s.speechRun++
		if s.speechRun >= s.onsetFrames {
			s.inSpeech = true
			s.speechRun = 0
			ev.State = StateSpeechStart
			return ev, nil
		}
	} else {
		s.speechRun = 0
	}
	ev.State = StateSilence
	return ev, nil
}

// Reset implements SessionHandle.
func (s *energySession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechRun = 0
	s.silenceRun = 0
}

// Close implements SessionHandle.
func (s *energySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// rms computes the normalised root-mean-square energy of a PCM16 frame.
func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += v * v
	}
	return math.Sqrt(sum/float64(n)) / 32768
}
