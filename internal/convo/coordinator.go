// Package convo coordinates the two audio directions of one call. It is the
// only writer on the egress path and the gatekeeper on the ingress path:
// caller audio is decoded, gated against echo while the agent speaks, and
// forwarded to the provider; agent audio is transcoded to the wire format,
// paced out through the transport, and accounted as a playback so the gate
// can re-open only after the caller has actually heard the tail.
package convo

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/session"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/transport"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/vad"
)

// defaultTailWait is added after the projected playback end before the
// ingress gate re-opens, absorbing transport jitter so the agent's own tail
// is not transcribed as caller speech.
const defaultTailWait = 200 * time.Millisecond

// vadFrameMs is the analysis frame the barge-in detector runs on.
const vadFrameMs = 20

// Config wires a Coordinator.
type Config struct {
	Session *session.Session
	Conn    transport.Conn
	Handle  provider.Handle
	Profile audio.Profile

	// VAD, when non-nil, enables barge-in: sustained caller speech during
	// agent playback cancels the playback and interrupts the provider.
	VAD vad.Engine

	// VADTuning carries detector overrides: thresholds, onset, hangover.
	// The stream parameters are always taken from the profile; zero fields
	// use the engine defaults.
	VADTuning vad.Config

	// TailWait overrides the post-playback gate delay. Zero uses the
	// default.
	TailWait time.Duration

	// NativeVAD marks providers that do their own turn detection; ingress
	// is then never gated, only echo-suppressed during playback.
	NativeVAD bool

	// RearmVAD resets the detector's segment tracking each time the gate
	// re-opens. Set for segmented recognizers, which treat every
	// post-playback stretch as a fresh utterance.
	RearmVAD bool

	Logger *slog.Logger
}

// Coordinator owns one call's audio plumbing.
type Coordinator struct {
	sess    *session.Session
	conn    transport.Conn
	handle  provider.Handle
	profile audio.Profile
	logger  *slog.Logger

	nativeVAD bool
	rearmVAD  bool
	tailWait  time.Duration

	// Ingress path state, touched only by the ingress goroutine.
	ingressResampler *audio.Resampler
	vadSession       vad.SessionHandle
	vadBuf           []byte
	ingressSeq       uint64

	// Egress path state, touched only by the event goroutine.
	egressResampler *audio.Resampler

	mu         sync.Mutex
	gateClosed bool
	gateTimer  *time.Timer
	interrupts int
}

// New builds a Coordinator. The gate starts open.
func New(cfg Config) (*Coordinator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		sess:      cfg.Session,
		conn:      cfg.Conn,
		handle:    cfg.Handle,
		profile:   cfg.Profile,
		logger:    logger.With("call_id", cfg.Session.ID),
		nativeVAD: cfg.NativeVAD,
		rearmVAD:  cfg.RearmVAD,
		tailWait:  cfg.TailWait,
	}
	if c.tailWait <= 0 {
		c.tailWait = defaultTailWait
	}
	if cfg.Profile.IngressRate != cfg.Profile.InternalRate {
		c.ingressResampler = audio.NewResampler(cfg.Profile.IngressRate, cfg.Profile.InternalRate)
	}
	if cfg.VAD != nil {
		vcfg := cfg.VADTuning
		vcfg.SampleRate = cfg.Profile.InternalRate
		vcfg.FrameSizeMs = vadFrameMs
		vs, err := cfg.VAD.NewSession(vcfg)
		if err != nil {
			return nil, err
		}
		c.vadSession = vs
	}
	return c, nil
}

// Close releases the barge-in detector. The transport and handle belong to
// the call controller.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.gateTimer != nil {
		c.gateTimer.Stop()
		c.gateTimer = nil
	}
	c.mu.Unlock()
	if c.vadSession != nil {
		c.vadSession.Close()
	}
}

// Interrupts reports how many barge-ins occurred.
func (c *Coordinator) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// ─── ingress ─────────────────────────────────────────────────────────────────

// HandleIngress processes one chunk of caller audio at the profile's ingress
// wire format: decode, resample to the internal rate, run barge-in detection,
// and forward to the provider unless the gate is closed. Called from the
// ingress reader goroutine only.
func (c *Coordinator) HandleIngress(wire []byte) error {
	pcm, err := audio.DecodeToPCM16(wire, c.profile.IngressEncoding)
	if err != nil {
		return err
	}
	if c.ingressResampler != nil {
		pcm = c.ingressResampler.Process(pcm)
	}
	if len(pcm) == 0 {
		return nil
	}

	c.detectBargeIn(pcm)

	if c.gated() {
		return nil
	}

	c.ingressSeq++
	frame := audio.Frame{
		Data:       pcm,
		SampleRate: c.profile.InternalRate,
		Seq:        c.ingressSeq,
	}
	return c.handle.PushAudio(frame)
}

// detectBargeIn feeds fixed-size frames to the detector and, when sustained
// speech starts while the agent is speaking, cancels the playback and
// interrupts the provider.
func (c *Coordinator) detectBargeIn(pcm []byte) {
	if c.vadSession == nil {
		return
	}
	frameBytes := c.profile.InternalRate * vadFrameMs / 1000 * 2

	c.vadBuf = append(c.vadBuf, pcm...)
	for len(c.vadBuf) >= frameBytes {
		frame := c.vadBuf[:frameBytes]
		c.vadBuf = c.vadBuf[frameBytes:]

		ev, err := c.vadSession.ProcessFrame(frame)
		if err != nil {
			c.logger.Warn("vad frame failed", "error", err)
			return
		}
		if ev.State != vad.StateSpeechStart {
			continue
		}
		if !c.gated() {
			continue
		}
		c.bargeIn()
	}
}

// bargeIn stops the current playback and re-opens the gate immediately.
func (c *Coordinator) bargeIn() {
	c.logger.Info("barge-in detected")

	c.sess.Playbacks().Cancel()
	if ir, ok := c.handle.(provider.Interrupter); ok {
		if err := ir.Interrupt(); err != nil {
			c.logger.Warn("provider interrupt failed", "error", err)
		}
	}

	c.mu.Lock()
	c.interrupts++
	if c.gateTimer != nil {
		c.gateTimer.Stop()
		c.gateTimer = nil
	}
	c.gateClosed = false
	c.mu.Unlock()
}

// gated reports whether caller audio is currently withheld from the provider.
func (c *Coordinator) gated() bool {
	if c.nativeVAD {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateClosed
}

// ─── egress ──────────────────────────────────────────────────────────────────

// HandleAssistantAudio transcodes one agent audio chunk to the wire format
// and sends it. The first chunk of a response opens a playback; later chunks
// extend its projected duration. Called from the event consumer goroutine
// only.
func (c *Coordinator) HandleAssistantAudio(ev provider.Event) error {
	pcm := ev.Audio
	if ev.Encoding != audio.EncodingSLin16 {
		decoded, err := audio.DecodeToPCM16(pcm, ev.Encoding)
		if err != nil {
			return err
		}
		pcm = decoded
	}
	if ev.Rate != c.profile.EgressRate {
		if c.egressResampler == nil {
			c.egressResampler = audio.NewResampler(ev.Rate, c.profile.EgressRate)
		}
		pcm = c.egressResampler.Process(pcm)
	}
	if len(pcm) == 0 {
		return nil
	}
	wire, err := audio.EncodePCM16(pcm, c.profile.EgressEncoding)
	if err != nil {
		return err
	}

	dur := audio.ByteDuration(len(wire), c.profile.EgressEncoding, c.profile.EgressRate)
	pm := c.sess.Playbacks()
	if active := pm.Active(); active != nil {
		active.Extend(dur)
	} else {
		// Cancelling the playback flushes the transport queue, so a barge-in
		// truncates what the caller hears, not just what we still produce.
		if _, err := pm.Start(dur, c.flushEgress); err != nil {
			// Terminated session: drop the audio silently.
			return nil
		}
		c.closeGate()
	}

	return c.conn.SendEgress(wire)
}

// HandleAssistantAudioDone finishes the active playback's accounting and
// schedules the gate to re-open after the projected playback end plus the
// tail wait.
func (c *Coordinator) HandleAssistantAudioDone() {
	pm := c.sess.Playbacks()
	active := pm.Active()
	if active == nil {
		return
	}
	wait := time.Until(active.Deadline()) + c.tailWait
	if wait < c.tailWait {
		wait = c.tailWait
	}
	id := active.ID

	c.mu.Lock()
	if c.gateTimer != nil {
		c.gateTimer.Stop()
	}
	c.gateTimer = time.AfterFunc(wait, func() {
		pm.Finish(id)
		c.openGate()
	})
	c.mu.Unlock()
}

// flushEgress drops transport egress that has not reached the switch yet.
// Runs as the playback cancel hook, covering barge-in and termination alike.
func (c *Coordinator) flushEgress() {
	if err := c.conn.FlushEgress(); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.logger.Warn("egress flush failed", "error", err)
	}
}

func (c *Coordinator) closeGate() {
	c.mu.Lock()
	c.gateClosed = true
	c.mu.Unlock()
}

func (c *Coordinator) openGate() {
	c.mu.Lock()
	c.gateClosed = false
	c.gateTimer = nil
	c.mu.Unlock()
	if c.rearmVAD && c.vadSession != nil {
		c.vadSession.Reset()
	}
}
