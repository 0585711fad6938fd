// Package call runs the per-call lifecycle: admission, answer, media setup,
// provider session, conversation, transfers, and teardown. The Manager owns
// the control-event fan-out and the shared infrastructure; each call gets one
// runner goroutine driving a small state machine.
package call

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/ari"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/observe"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/session"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/transport"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/vad"
)

// SwitchControl is the slice of the control API the call layer uses. It is an
// interface so lifecycle tests run against a fake switch.
type SwitchControl interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID, reason string) error
	Originate(ctx context.Context, endpoint, callerID string, timeout time.Duration) (*ari.Channel, error)
	ExternalMedia(ctx context.Context, externalHost, format string) (*ari.Channel, error)
	ExternalMediaAudioSocket(ctx context.Context, serverAddr, format, callUUID string) (*ari.Channel, error)
	CreateBridge(ctx context.Context) (*ari.Bridge, error)
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	RemoveChannel(ctx context.Context, bridgeID, channelID string) error
	Play(ctx context.Context, channelID, playbackID, media string) (*ari.Playback, error)
	StopPlayback(ctx context.Context, playbackID string) error
	StartMOH(ctx context.Context, channelID, class string) error
	StopMOH(ctx context.Context, channelID string) error
	ContinueDialplan(ctx context.Context, channelID, dialCtx, exten string, priority int) error
	GetEndpoint(ctx context.Context, tech, resource string) (*ari.Endpoint, error)
}

var _ SwitchControl = (*ari.Client)(nil)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Control SwitchControl
	Runtime *Runtime

	// VAD builds per-call barge-in detectors.
	VAD vad.Engine

	// Ready reports whether the engine's dependencies can serve a call right
	// now. Nil means always ready. Admission consults it alongside the
	// ceiling; see also [Manager.SetReady].
	Ready func() bool

	// Records persists per-call summaries. Nil disables them.
	Records *RecordWriter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// AudioSocket is the shared framed-TCP listener, required when the
	// configured transport is audiosocket.
	AudioSocket *transport.AudioSocketServer

	Logger *slog.Logger
}

// Manager admits calls, fans control events out to their runners, and matches
// AudioSocket connections to waiting calls.
type Manager struct {
	ctrl     SwitchControl
	sessions *session.Store
	records  *RecordWriter
	vad      vad.Engine
	metrics  *observe.Metrics
	asServer *transport.AudioSocketServer
	logger   *slog.Logger

	rt atomic.Pointer[Runtime]

	mu        sync.Mutex
	ready     func() bool
	routes    map[string]chan ari.Event
	pendingAS map[string]chan *transport.AudioSocketConn

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewManager builds a Manager around an initial runtime snapshot.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	m := &Manager{
		ctrl:      cfg.Control,
		sessions:  session.NewStore(),
		records:   cfg.Records,
		vad:       cfg.VAD,
		metrics:   metrics,
		asServer:  cfg.AudioSocket,
		ready:     cfg.Ready,
		logger:    logger,
		routes:    make(map[string]chan ari.Event),
		pendingAS: make(map[string]chan *transport.AudioSocketConn),
		done:      make(chan struct{}),
	}
	m.rt.Store(cfg.Runtime)
	return m
}

// Runtime returns the current configuration snapshot.
func (m *Manager) Runtime() *Runtime { return m.rt.Load() }

// SwapRuntime installs a new snapshot. Calls already in flight keep the one
// they started on.
func (m *Manager) SwapRuntime(rt *Runtime) { m.rt.Store(rt) }

// ActiveCalls counts live sessions.
func (m *Manager) ActiveCalls() int { return m.sessions.Len() }

// SetReady installs the readiness probe admission consults. Useful when the
// probe is built after the Manager, as the health checkers are.
func (m *Manager) SetReady(fn func() bool) {
	m.mu.Lock()
	m.ready = fn
	m.mu.Unlock()
}

// Admit reports whether a new call can be taken: the engine must be ready
// and under the admission ceiling. Calls arriving while a dependency is down
// get a busy signal instead of a session that cannot serve them.
func (m *Manager) Admit() bool {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	if ready != nil && !ready() {
		return false
	}
	limit := m.rt.Load().Config.Server.MaxActiveCalls
	return limit <= 0 || m.sessions.Len() < limit
}

// Run consumes the control event stream until it closes or ctx is cancelled,
// then waits for in-flight calls to drain. It is the Manager's main loop and
// blocks.
func (m *Manager) Run(ctx context.Context, events <-chan ari.Event) error {
	if m.asServer != nil {
		m.wg.Add(1)
		go m.acceptLoop()
	}
	defer func() {
		m.once.Do(func() { close(m.done) })
		if m.asServer != nil {
			m.asServer.Close()
		}
		m.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.dispatch(ctx, ev)
		}
	}
}

// dispatch routes one control event: claimed channels go to their runner,
// fresh StasisStarts open calls, everything else is dropped.
func (m *Manager) dispatch(ctx context.Context, ev ari.Event) {
	id := eventChannelID(ev)
	if id != "" {
		m.mu.Lock()
		route := m.routes[id]
		m.mu.Unlock()
		if route != nil {
			select {
			case route <- ev:
			case <-m.done:
			}
			return
		}
	}

	start, ok := ev.(*ari.StasisStart)
	if !ok {
		return
	}
	if isMediaLeg(start.Channel.Name) {
		// ExternalMedia and snoop legs entering the application need no
		// handling of their own.
		return
	}
	m.startCall(ctx, start)
}

// startCall admits and launches a runner for one inbound channel.
func (m *Manager) startCall(ctx context.Context, start *ari.StasisStart) {
	rt := m.rt.Load()
	logger := m.logger.With("call_id", start.Channel.ID)

	if !m.Admit() {
		logger.Warn("call rejected, engine not ready or at capacity",
			"active", m.sessions.Len(),
			"max", rt.Config.Server.MaxActiveCalls)
		m.rejectBusy(ctx, start)
		return
	}

	cr, err := rt.ResolveContext(start.Args, start.Channel.Dialplan.Exten)
	if err != nil {
		logger.Error("no context for call", "error", err)
		m.ctrl.Hangup(ctx, start.Channel.ID, ari.HangupNormal)
		return
	}

	sess := session.New(start.Channel.ID)
	sess.ChannelID = start.Channel.ID
	sess.CallerNumber = start.Channel.Caller.Number
	sess.CalleeNumber = start.Channel.Dialplan.Exten
	sess.ContextName = cr.Name
	sess.PipelineName = cr.PipelineName
	sess.Profile = cr.Profile
	m.sessions.Put(sess)
	m.metrics.RecordCallStart(ctx)

	r := newRunner(m, rt, cr, sess, m.claim(sess.ChannelID), logger)
	m.wg.Add(1)
	go r.run(ctx)
}

// rejectBusy signals busy to the switch and leaves a record of the rejection.
func (m *Manager) rejectBusy(ctx context.Context, start *ari.StasisStart) {
	m.ctrl.Hangup(ctx, start.Channel.ID, ari.HangupBusy)
	// Rejected calls never count as started, so only the outcome moves.
	m.metrics.CallOutcomes.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("outcome", string(OutcomeRejectedBusy))))
	if m.records != nil {
		now := time.Now()
		if err := m.records.Write(Record{
			CallID:       start.Channel.ID,
			CallerNumber: start.Channel.Caller.Number,
			CalleeNumber: start.Channel.Dialplan.Exten,
			StartedAt:    now,
			EndedAt:      now,
			Outcome:      OutcomeRejectedBusy,
		}); err != nil {
			m.logger.Warn("record write failed", "error", err)
		}
	}
}

// claim registers a runner as the consumer for a channel's events.
func (m *Manager) claim(channelID string) chan ari.Event {
	ch := make(chan ari.Event, 16)
	m.mu.Lock()
	m.routes[channelID] = ch
	m.mu.Unlock()
	return ch
}

// release drops a channel route. Events arriving afterwards fall through to
// the dispatcher, which ignores them.
func (m *Manager) release(channelID string) {
	m.mu.Lock()
	delete(m.routes, channelID)
	m.mu.Unlock()
}

// expectAudioSocket registers interest in the connection that will announce
// callUUID. The caller must consume the channel or call forgetAudioSocket.
func (m *Manager) expectAudioSocket(callUUID string) <-chan *transport.AudioSocketConn {
	ch := make(chan *transport.AudioSocketConn, 1)
	m.mu.Lock()
	m.pendingAS[callUUID] = ch
	m.mu.Unlock()
	return ch
}

// forgetAudioSocket withdraws interest after a setup timeout.
func (m *Manager) forgetAudioSocket(callUUID string) {
	m.mu.Lock()
	delete(m.pendingAS, callUUID)
	m.mu.Unlock()
}

// acceptLoop matches inbound AudioSocket connections to waiting calls by the
// UUID each connection announces. Unclaimed connections are closed.
func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.asServer.Accept()
		if err != nil {
			select {
			case <-m.done:
			default:
				m.logger.Warn("audiosocket accept failed", "error", err)
			}
			return
		}
		m.mu.Lock()
		waiter, ok := m.pendingAS[conn.CallID()]
		delete(m.pendingAS, conn.CallID())
		m.mu.Unlock()
		if !ok {
			m.logger.Warn("audiosocket connection for unknown call", "call_uuid", conn.CallID())
			conn.Close()
			continue
		}
		waiter <- conn
	}
}

// eventChannelID extracts the subject channel of an event, empty when the
// event carries none.
func eventChannelID(ev ari.Event) string {
	switch e := ev.(type) {
	case *ari.StasisStart:
		return e.Channel.ID
	case *ari.StasisEnd:
		return e.Channel.ID
	case *ari.ChannelDtmfReceived:
		return e.Channel.ID
	case *ari.ChannelHangupRequest:
		return e.Channel.ID
	case *ari.ChannelStateChange:
		return e.Channel.ID
	}
	return ""
}

// isMediaLeg recognises channels the engine itself created for media.
func isMediaLeg(name string) bool {
	for _, prefix := range []string{"UnicastRTP/", "AudioSocket/", "Snoop/"} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
