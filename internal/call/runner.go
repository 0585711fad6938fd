package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/ari"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/convo"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/session"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/tools"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/transport"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/vad"
)

// Setup and teardown budgets.
const (
	transportOpenTimeout = 3 * time.Second
	providerOpenTimeout  = 5 * time.Second
	preCallBudget        = 10 * time.Second
	teardownBudget       = 10 * time.Second

	// defaultFarewellDrain bounds how long a requested hangup waits for the
	// agent's goodbye to finish playing, unless configured otherwise.
	defaultFarewellDrain = 2500 * time.Millisecond

	// providerRetryMax is how many transient provider errors a call absorbs
	// before giving up.
	providerRetryMax = 3
)

// apologyMedia is played to the caller when the backend fails mid-call.
const apologyMedia = "sound:an-error-has-occurred"

// errCallOver makes a loop's clean exit cancel its siblings through the
// errgroup without being reported as a failure.
var errCallOver = errors.New("call: over")

// runner drives one call from answer to record. All switch and provider I/O
// for the call funnels through it.
type runner struct {
	m      *Manager
	rt     *Runtime
	cr     *ContextRuntime
	sess   *session.Session
	events chan ari.Event
	logger *slog.Logger

	conn     transport.Conn
	handle   provider.Handle
	coord    *convo.Coordinator
	exec     *tools.Executor
	registry *tools.Registry
	tel      *transferMachine

	mediaChannel string

	hangupReq   chan string
	transferred chan string

	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	stateSince     time.Time
	stateNotify    chan struct{}
	outcome        Outcome
	errMsg         string
	lastUser       string
	farewell       bool
	wantTranscript bool
	transcript     []TranscriptEntry
	toolRecs       []ToolInvocationRecord
	turns          int
	turnStart      time.Time
	preCall        map[string]string
}

func newRunner(m *Manager, rt *Runtime, cr *ContextRuntime, sess *session.Session,
	events chan ari.Event, logger *slog.Logger) *runner {
	return &runner{
		m:           m,
		rt:          rt,
		cr:          cr,
		sess:        sess,
		events:      events,
		logger:      logger,
		hangupReq:   make(chan string, 1),
		transferred: make(chan string, 1),
		state:       StateInbound,
		stateSince:  time.Now(),
		stateNotify: make(chan struct{}, 1),
	}
}

func (r *runner) run(ctx context.Context) {
	defer r.m.wg.Done()
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()

	go r.watchdog(ctx)

	err := r.serve(ctx)
	if err != nil && !errors.Is(err, errCallOver) && !errors.Is(err, context.Canceled) {
		r.finish(OutcomeProviderError, err.Error())
	}
	r.teardown(start)
}

// serve takes the call through setup and runs the conversation loops until
// one of them declares the call over.
func (r *runner) serve(ctx context.Context) error {
	actx, acancel := context.WithTimeout(ctx, stateTimeout(StateInbound))
	err := r.m.ctrl.Answer(actx, r.sess.ChannelID)
	acancel()
	if err != nil {
		r.finish(OutcomeTransportLost, err.Error())
		return errCallOver
	}
	r.setState(StateAnswered)

	if err := r.openTransport(ctx); err != nil {
		r.finish(OutcomeTransportLost, err.Error())
		return errCallOver
	}
	r.setState(StateTransportNegotiated)

	r.setupTools()
	pctx, pcancel := context.WithTimeout(ctx, preCallBudget)
	pre := r.exec.RunPreCall(pctx, r.invocation())
	pcancel()
	r.mu.Lock()
	r.preCall = pre
	r.mu.Unlock()

	octx, ocancel := context.WithTimeout(ctx, providerOpenTimeout)
	handle, err := r.cr.Provider.Open(octx, provider.OpenConfig{
		CallID:       r.sess.ID,
		Profile:      r.cr.Profile,
		SystemPrompt: renderPrompt(r.cr.Spec.SystemPrompt, pre),
		Greeting:     renderPrompt(r.cr.Spec.Greeting, pre),
		Tools:        r.registry.Schemas(r.cr.ToolAllow),
	})
	ocancel()
	if err != nil {
		r.logger.Error("provider open failed", "provider", r.cr.Provider.Name(), "error", err)
		r.m.metrics.RecordProviderError(ctx, r.cr.Provider.Name(), "open")
		r.playApology(ctx)
		r.finish(OutcomeProviderError, err.Error())
		return errCallOver
	}
	r.handle = handle

	caps := r.cr.Provider.Capabilities()
	bi := r.cr.Spec.BargeIn
	coord, err := convo.New(convo.Config{
		Session: r.sess,
		Conn:    r.conn,
		Handle:  handle,
		Profile: r.cr.Profile,
		VAD:     r.m.vad,
		VADTuning: vad.Config{
			SpeechThreshold:  bi.SpeechThreshold,
			SilenceThreshold: bi.SilenceThreshold,
			OnsetMs:          bi.OnsetMs,
		},
		TailWait:  time.Duration(bi.TailWaitMs) * time.Millisecond,
		NativeVAD: caps.NativeVAD,
		RearmVAD:  caps.SegmentedSTT,
		Logger:    r.logger,
	})
	if err != nil {
		r.finish(OutcomeProviderError, err.Error())
		return errCallOver
	}
	r.coord = coord

	if r.cr.Spec.Greeting != "" {
		r.setState(StateGreetingSpeaking)
	} else {
		r.setState(StateGreetingSpeaking)
		r.setState(StateConversing)
	}
	r.logger.Info("call up",
		"context", r.cr.Name,
		"provider", r.cr.Provider.Name(),
		"profile", r.cr.Profile.Name,
		"caller", r.sess.CallerNumber)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.ingressLoop(gctx) })
	g.Go(func() error { return r.providerLoop(gctx) })
	g.Go(func() error { return r.controlLoop(gctx) })
	g.Go(func() error { return r.hangupLoop(gctx) })
	return g.Wait()
}

// openTransport builds the media path for the configured transport and
// bridges it with the caller.
func (r *runner) openTransport(ctx context.Context) error {
	tele := r.rt.Config.Telephony
	prof := r.cr.Profile

	tctx, tcancel := context.WithTimeout(ctx, transportOpenTimeout)
	defer tcancel()

	var mediaID string
	switch tele.Transport {
	case config.TransportAudioSocket:
		callUUID := uuid.NewString()
		wait := r.m.expectAudioSocket(callUUID)
		ch, err := r.m.ctrl.ExternalMediaAudioSocket(tctx,
			audioSocketAdvertiseAddr(tele), "slin", callUUID)
		if err != nil {
			r.m.forgetAudioSocket(callUUID)
			return err
		}
		mediaID = ch.ID
		select {
		case conn := <-wait:
			r.conn = conn
		case <-tctx.Done():
			r.m.forgetAudioSocket(callUUID)
			return fmt.Errorf("call: audiosocket connection timed out")
		}

	default:
		rtpConn, err := transport.NewRTP(transport.RTPConfig{
			BindHost:      tele.BindHost,
			AdvertiseHost: tele.AdvertiseHost,
			PortMin:       tele.RTPPortMin,
			PortMax:       tele.RTPPortMax,
			Encoding:      prof.IngressEncoding,
			Rate:          prof.IngressRate,
			ChunkMs:       prof.ChunkMs,
			Logger:        r.logger,
		})
		if err != nil {
			return err
		}
		r.conn = rtpConn
		ch, err := r.m.ctrl.ExternalMedia(tctx, rtpConn.AdvertisedAddr(),
			wireFormat(prof.IngressEncoding, prof.IngressRate))
		if err != nil {
			return err
		}
		mediaID = ch.ID
	}
	r.mediaChannel = mediaID

	br, err := r.m.ctrl.CreateBridge(tctx)
	if err != nil {
		return err
	}
	r.sess.BridgeID = br.ID
	if err := r.m.ctrl.AddChannel(tctx, br.ID, r.sess.ChannelID); err != nil {
		return err
	}
	return r.m.ctrl.AddChannel(tctx, br.ID, mediaID)
}

// setupTools builds the per-call tool catalog: built-ins bound to this call's
// transfer machine plus the configured HTTP tools.
func (r *runner) setupTools() {
	cfg := r.rt.Config
	r.registry = tools.NewRegistry()
	r.tel = newTransferMachine(r.m, cfg.Telephony, r.sess.ID, r.sess.ChannelID,
		r.hangupReq, r.transferred, r.logger)
	if err := tools.RegisterBuiltins(r.registry, cfg.Tools, r.tel); err != nil {
		r.logger.Error("builtin tool registration failed", "error", err)
	}
	if err := tools.RegisterHTTPTools(r.registry, cfg.Tools.HTTP); err != nil {
		r.logger.Error("http tool registration failed", "error", err)
	}
	r.exec = tools.NewExecutor(r.registry, r.cr.Guardrail, r.logger)
}

// ingressLoop pumps caller audio from the transport into the coordinator.
func (r *runner) ingressLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.conn.Events():
			if !ok || ev.Kind == transport.KindClosed {
				r.finish(OutcomeTransportLost, "media path lost")
				return errCallOver
			}
			switch ev.Kind {
			case transport.KindAudio:
				if err := r.coord.HandleIngress(ev.Audio); err != nil {
					if errors.Is(err, provider.ErrHandleClosed) {
						return errCallOver
					}
					r.logger.Warn("ingress frame dropped", "error", err)
				}
			case transport.KindDTMF:
				r.logger.Debug("dtmf", "digit", string(ev.Digit))
			}
		}
	}
}

// providerLoop consumes the backend event stream: transcripts, agent audio,
// tool calls, and errors.
func (r *runner) providerLoop(ctx context.Context) error {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.handle.Events():
			if !ok {
				r.finish(OutcomeCompleted, "")
				return errCallOver
			}
			switch ev.Type {
			case provider.EventPartialTranscript:
				// Partials are advisory; only finals advance the turn.

			case provider.EventFinalTranscript:
				r.noteUser(ev.Text)

			case provider.EventAssistantText:
				r.noteAssistant(ev.Text)

			case provider.EventAssistantAudio:
				r.noteFirstAudio(ctx)
				if err := r.coord.HandleAssistantAudio(ev); err != nil {
					r.logger.Warn("egress chunk dropped", "error", err)
				}

			case provider.EventAssistantAudioDone:
				r.coord.HandleAssistantAudioDone()
				if r.getState() == StateGreetingSpeaking {
					r.setState(StateConversing)
				}

			case provider.EventToolCall:
				tc := ev.Tool
				go r.runTool(ctx, tc)

			case provider.EventError:
				r.m.metrics.RecordProviderError(ctx, r.cr.Provider.Name(), ev.Err.Kind)
				if ev.Err.Retryable && retries < providerRetryMax {
					retries++
					r.logger.Warn("transient provider error",
						"kind", ev.Err.Kind,
						"detail", ev.Err.Detail,
						"retries", retries)
					continue
				}
				r.logger.Error("fatal provider error",
					"kind", ev.Err.Kind, "detail", ev.Err.Detail)
				r.playApology(ctx)
				r.finish(OutcomeProviderError, ev.Err.Detail)
				return errCallOver
			}
		}
	}
}

// controlLoop consumes switch events for the caller channel and the transfer
// completion signal.
func (r *runner) controlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.transferred:
			r.setState(StateTransferring)
			r.finish(OutcomeTransferred, "")
			return errCallOver
		case ev, ok := <-r.events:
			if !ok {
				return errCallOver
			}
			switch e := ev.(type) {
			case *ari.ChannelHangupRequest:
				r.finish(OutcomeCallerHangup, "")
				return errCallOver
			case *ari.StasisEnd:
				// Transfers and voicemail drops move the channel out of the
				// application on purpose; anything else is the caller leaving.
				if out := r.getOutcome(); out == "" {
					r.finish(OutcomeCallerHangup, "")
				}
				return errCallOver
			case *ari.ChannelDtmfReceived:
				r.logger.Debug("dtmf", "digit", e.Digit)
			case *ari.ChannelStateChange:
				r.logger.Debug("channel state", "state", e.Channel.State)
			}
		}
	}
}

// hangupLoop waits for an agent-initiated hangup, lets the farewell finish,
// then drops the channel.
func (r *runner) hangupLoop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.hangupReq:
		r.setState(StateHanging)
		r.waitQuiet(ctx, r.farewellDrain())
		hctx, hcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := r.m.ctrl.Hangup(hctx, r.sess.ChannelID, ari.HangupNormal)
		hcancel()
		if err != nil {
			r.logger.Warn("hangup failed", "error", err)
		}
		r.finish(OutcomeAgentHangup, "")
		return errCallOver
	}
}

// runTool executes one model-requested tool and pushes the result back once
// the agent's current speech has drained, so results never interleave with
// audio the model is still producing.
func (r *runner) runTool(ctx context.Context, tc provider.ToolCall) {
	started := time.Now()
	res := r.exec.Execute(ctx, tc.Name, tc.Arguments, r.invocation())
	elapsed := time.Since(started)
	r.m.metrics.RecordToolCall(ctx, tc.Name, string(res.Status), elapsed)

	r.mu.Lock()
	r.toolRecs = append(r.toolRecs, ToolInvocationRecord{
		Name:       tc.Name,
		Status:     string(res.Status),
		DurationMs: elapsed.Milliseconds(),
	})
	if tc.Name == tools.ToolTranscript && res.Status == tools.StatusSuccess {
		r.wantTranscript = true
	}
	r.mu.Unlock()

	r.waitQuiet(ctx, r.farewellDrain())
	if err := r.handle.PushToolResult(tc.ID, res.JSON()); err != nil &&
		!errors.Is(err, provider.ErrHandleClosed) {
		r.logger.Warn("tool result push failed", "tool", tc.Name, "error", err)
	}
}

// farewellDrain is how long agent speech may finish before a hangup or tool
// result proceeds.
func (r *runner) farewellDrain() time.Duration {
	if ms := r.rt.Config.Tools.FarewellHangupDelayMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultFarewellDrain
}

// waitQuiet blocks until no playback is active or the bound elapses.
func (r *runner) waitQuiet(ctx context.Context, bound time.Duration) {
	deadline := time.Now().Add(bound)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.sess.Playbacks().Active() == nil || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchdog enforces the per-state time budgets. A state that overstays its
// budget ends the call with the watchdog outcome.
func (r *runner) watchdog(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		st, since := r.stateAndSince()
		budget := stateTimeout(st)

		var fire <-chan time.Time
		if budget > 0 {
			remaining := budget - time.Since(since)
			if remaining <= 0 {
				remaining = time.Millisecond
			}
			timer.Reset(remaining)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stateNotify:
			if budget > 0 && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-fire:
			if cur := r.getState(); cur == st {
				r.logger.Error("watchdog fired", "state", st.String(), "budget", budget)
				r.finish(OutcomeWatchdog, "stuck in "+st.String())
				r.cancel()
				return
			}
		}
	}
}

// playApology tells the caller something went wrong before the call is torn
// down. Best effort.
func (r *runner) playApology(ctx context.Context) {
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer pcancel()
	if _, err := r.m.ctrl.Play(pctx, r.sess.ChannelID, uuid.NewString(), apologyMedia); err != nil {
		r.logger.Debug("apology playback failed", "error", err)
		return
	}
	// Leave the prompt enough time to actually play out.
	select {
	case <-time.After(3 * time.Second):
	case <-pctx.Done():
	}
}

// teardown runs unconditionally at call end: drain, post-call tools, switch
// cleanup, record, metrics.
func (r *runner) teardown(started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownBudget)
	defer cancel()

	r.setState(StateDraining)
	r.sess.Terminate()
	if r.coord != nil {
		r.coord.Close()
	}
	if r.handle != nil {
		r.handle.Close(string(r.getOutcome()))
	}
	if r.conn != nil {
		r.conn.Close()
	}

	if r.exec != nil {
		r.exec.RunPostCall(ctx, r.invocation())
	}

	if r.sess.BridgeID != "" {
		r.m.ctrl.DestroyBridge(ctx, r.sess.BridgeID)
	}
	if r.mediaChannel != "" {
		r.m.ctrl.Hangup(ctx, r.mediaChannel, ari.HangupNormal)
	}
	r.m.ctrl.Hangup(ctx, r.sess.ChannelID, ari.HangupNormal)

	r.writeRecord(started)

	if r.coord != nil {
		if n := r.coord.Interrupts(); n > 0 {
			r.m.metrics.Interrupts.Add(ctx, int64(n))
		}
	}
	r.m.metrics.RecordCallEnd(ctx, string(r.getOutcome()), r.sess.Duration())
	r.m.sessions.Delete(r.sess.ID)
	r.m.release(r.sess.ChannelID)
	r.setState(StateClosed)

	r.logger.Info("call closed",
		"outcome", string(r.getOutcome()),
		"duration", r.sess.Duration(),
		"turns", r.turnCount())
}

func (r *runner) writeRecord(started time.Time) {
	if r.m.records == nil {
		return
	}
	r.mu.Lock()
	rec := Record{
		CallID:       r.sess.ID,
		CallerNumber: r.sess.CallerNumber,
		CalleeNumber: r.sess.CalleeNumber,
		Context:      r.sess.ContextName,
		Pipeline:     r.sess.PipelineName,
		Profile:      r.cr.Profile.Name,
		StartedAt:    started,
		EndedAt:      time.Now(),
		DurationMs:   r.sess.Duration().Milliseconds(),
		Outcome:      r.outcome,
		Turns:        r.turns,
		Error:        r.errMsg,
		Tools:        r.toolRecs,
	}
	if r.wantTranscript {
		rec.Transcript = r.transcript
	}
	r.mu.Unlock()
	if r.coord != nil {
		rec.Interrupts = r.coord.Interrupts()
	}
	if err := r.m.records.Write(rec); err != nil {
		r.logger.Warn("record write failed", "error", err)
	}
}

// ─── State and bookkeeping ───────────────────────────────────────────────────

// setState applies a transition, ignoring edges the lifecycle does not allow
// (they happen when two enders race; the first one wins).
func (r *runner) setState(to State) {
	r.mu.Lock()
	from := r.state
	if from == to || !canTransition(from, to) {
		r.mu.Unlock()
		return
	}
	r.state = to
	r.stateSince = time.Now()
	r.mu.Unlock()

	r.logger.Debug("state", "from", from.String(), "to", to.String())
	select {
	case r.stateNotify <- struct{}{}:
	default:
	}
}

func (r *runner) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runner) stateAndSince() (State, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.stateSince
}

// finish records the call outcome. Only the first caller wins; later enders
// racing on teardown are dropped.
func (r *runner) finish(out Outcome, errMsg string) {
	r.mu.Lock()
	if r.outcome == "" {
		r.outcome = out
		r.errMsg = errMsg
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *runner) getOutcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

func (r *runner) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns
}

// noteUser records a final caller transcript and opens a new turn.
func (r *runner) noteUser(text string) {
	r.sess.NextTurn()
	r.mu.Lock()
	r.lastUser = text
	r.turns++
	r.turnStart = time.Now()
	r.transcript = append(r.transcript, TranscriptEntry{Role: "user", Text: text})
	r.mu.Unlock()
}

// noteAssistant records agent text and whether it reads as a goodbye, which
// the hangup guardrail consults.
func (r *runner) noteAssistant(text string) {
	r.mu.Lock()
	r.farewell = r.cr.Guardrail != nil && r.cr.Guardrail.MatchesFarewell(text)
	r.transcript = append(r.transcript, TranscriptEntry{Role: "assistant", Text: text})
	r.mu.Unlock()
}

// noteFirstAudio records turn latency on the first audio chunk of a response.
func (r *runner) noteFirstAudio(ctx context.Context) {
	r.mu.Lock()
	start := r.turnStart
	r.turnStart = time.Time{}
	r.mu.Unlock()
	if !start.IsZero() {
		r.m.metrics.RecordTurnLatency(ctx, time.Since(start))
	}
}

// invocation snapshots the call context tools execute under.
func (r *runner) invocation() tools.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return tools.Invocation{
		CallID:            r.sess.ID,
		CallerNumber:      r.sess.CallerNumber,
		CalledNumber:      r.sess.CalleeNumber,
		PreCallResults:    r.preCall,
		LastUtterance:     r.lastUser,
		AssistantFarewell: r.farewell,
	}
}

// renderPrompt substitutes {pre_call_results.<name>} placeholders into the
// system prompt.
func renderPrompt(prompt string, pre map[string]string) string {
	for name, val := range pre {
		prompt = strings.ReplaceAll(prompt, "{pre_call_results."+name+"}", val)
	}
	return prompt
}

// wireFormat maps a profile wire encoding to the switch's codec name.
func wireFormat(enc audio.Encoding, rate int) string {
	switch enc {
	case audio.EncodingULaw:
		return "ulaw"
	case audio.EncodingALaw:
		return "alaw"
	case audio.EncodingSLin16:
		if rate == 16000 {
			return "slin16"
		}
		return "slin"
	}
	return "slin"
}
