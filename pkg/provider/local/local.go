// Package local provides STT and TTS providers backed by a self-hosted
// inference server over WebSocket, for deployments that must keep caller
// audio on-premises.
//
// The wire protocol is deliberately small. Control messages are JSON text
// frames; audio travels as binary frames of PCM16.
//
// Transcription:
//
//	client: {"type":"start","mode":"stt","sample_rate":8000,"language":"en"}
//	client: <binary PCM16>...
//	server: {"type":"transcript","text":"...","final":false}
//	server: {"type":"transcript","text":"...","final":true}
//	client: {"type":"stop"}
//
// Synthesis:
//
//	client: {"type":"start","mode":"tts","sample_rate":16000,"voice":"..."}
//	client: {"type":"text","text":"..."}...
//	client: {"type":"flush"}
//	server: <binary PCM16>...
//	server: {"type":"done"}
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/stt"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/tts"
)

// controlMessage is the JSON shape of every text frame in both directions.
type controlMessage struct {
	Type       string `json:"type"`
	Mode       string `json:"mode,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Text       string `json:"text,omitempty"`
	Final      bool   `json:"final,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ─── STT ─────────────────────────────────────────────────────────────────────

// STTProvider implements stt.Provider against a local inference server.
type STTProvider struct {
	url string
}

var (
	_ stt.Provider  = (*STTProvider)(nil)
	_ stt.Segmenter = (*STTProvider)(nil)
)

// NewSTT creates an STTProvider for the given WebSocket URL.
func NewSTT(url string) (*STTProvider, error) {
	if url == "" {
		return nil, errors.New("local: url must not be empty")
	}
	return &STTProvider{url: url}, nil
}

// Segmented implements stt.Segmenter. The server transcribes utterance
// segments, not a rolling stream.
func (p *STTProvider) Segmented() bool { return true }

// StartStream implements stt.Provider.
func (p *STTProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("local: dial: %w", err)
	}

	start, _ := json.Marshal(controlMessage{
		Type:       "start",
		Mode:       "stt",
		SampleRate: cfg.SampleRate,
		Language:   cfg.Language,
	})
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		conn.Close(websocket.StatusInternalError, "start failed")
		return nil, fmt.Errorf("local: start: %w", err)
	}

	sess := &sttSession{
		conn:     conn,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}
	sess.wg.Add(1)
	go sess.readLoop(ctx)
	return sess, nil
}

type sttSession struct {
	conn     *websocket.Conn
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.SessionHandle = (*sttSession)(nil)

// SendAudio writes one PCM16 chunk as a binary frame.
func (s *sttSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("local: session is closed")
	default:
	}
	return s.conn.Write(context.Background(), websocket.MessageBinary, chunk)
}

func (s *sttSession) Partials() <-chan stt.Transcript { return s.partials }
func (s *sttSession) Finals() <-chan stt.Transcript   { return s.finals }

// Close sends the stop message and tears the connection down.
func (s *sttSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		stop, _ := json.Marshal(controlMessage{Type: "stop"})
		_ = s.conn.Write(context.Background(), websocket.MessageText, stop)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

func (s *sttSession) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "transcript" || msg.Text == "" {
			continue
		}
		t := stt.Transcript{Text: msg.Text, IsFinal: msg.Final}
		target := s.partials
		if msg.Final {
			target = s.finals
		}
		select {
		case target <- t:
		case <-s.done:
		}
	}
}

// ─── TTS ─────────────────────────────────────────────────────────────────────

// TTSProvider implements tts.Provider against a local inference server.
type TTSProvider struct {
	url        string
	sampleRate int
}

var _ tts.Provider = (*TTSProvider)(nil)

// NewTTS creates a TTSProvider for the given WebSocket URL, emitting PCM16 at
// the given rate.
func NewTTS(url string, sampleRate int) (*TTSProvider, error) {
	if url == "" {
		return nil, errors.New("local: url must not be empty")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("local: sample rate must be positive, got %d", sampleRate)
	}
	return &TTSProvider{url: url, sampleRate: sampleRate}, nil
}

// Output implements tts.Provider.
func (p *TTSProvider) Output() tts.Output {
	return tts.Output{SampleRate: p.sampleRate}
}

// SynthesizeStream implements tts.Provider.
func (p *TTSProvider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("local: dial: %w", err)
	}

	start, _ := json.Marshal(controlMessage{
		Type:       "start",
		Mode:       "tts",
		SampleRate: p.sampleRate,
		Voice:      voice.ID,
	})
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		conn.Close(websocket.StatusInternalError, "start failed")
		return nil, fmt.Errorf("local: start: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				kind, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				if kind == websocket.MessageBinary {
					select {
					case audioCh <- data:
					case <-ctx.Done():
						return
					}
					continue
				}
				var msg controlMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					continue
				}
				if msg.Type == "done" || msg.Type == "error" {
					return
				}
			}
		}()

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					flush, _ := json.Marshal(controlMessage{Type: "flush"})
					_ = conn.Write(ctx, websocket.MessageText, flush)
					<-readDone
					return
				}
				if fragment == "" {
					continue
				}
				msg, _ := json.Marshal(controlMessage{Type: "text", Text: fragment})
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}
