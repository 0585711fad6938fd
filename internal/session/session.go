// Package session holds per-call state: identities resolved at call setup,
// the negotiated audio profile, turn accounting, and the playback manager
// that enforces the single-active-playback invariant. Sessions live in a
// sharded store keyed by the switch's call id.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
)

// ErrTerminated is returned by operations that are illegal after Terminate,
// such as starting a new playback.
var ErrTerminated = errors.New("session: terminated")

// Session is one call's state. Identity fields are set once at creation and
// read-only afterwards; mutable state is guarded internally.
type Session struct {
	// ID is the switch's opaque call identifier.
	ID string

	// ChannelID is the caller's channel in the switch.
	ChannelID string

	// SnoopID and BridgeID are the media plumbing created for this call.
	SnoopID  string
	BridgeID string

	// CallerNumber and CalleeNumber come from the channel at Stasis start.
	CallerNumber string
	CalleeNumber string

	// ContextName and PipelineName record what configuration resolved for
	// this call.
	ContextName  string
	PipelineName string

	// Profile is the negotiated audio contract, immutable for the call.
	Profile audio.Profile

	// CreatedAt is set at construction.
	CreatedAt time.Time

	mu           sync.Mutex
	turn         int
	terminated   bool
	terminatedAt time.Time
	playbacks    *PlaybackManager
}

// New creates a Session. The playback manager starts empty.
func New(id string) *Session {
	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
	}
	s.playbacks = newPlaybackManager(s)
	return s
}

// Playbacks returns the session's playback manager.
func (s *Session) Playbacks() *PlaybackManager { return s.playbacks }

// NextTurn increments and returns the turn index. Turn indexes are monotonic
// within a session.
func (s *Session) NextTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	return s.turn
}

// Turn returns the current turn index.
func (s *Session) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Terminate marks the session ended and cancels all in-flight playbacks.
// After Terminate no new playbacks may start. Idempotent.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.terminatedAt = time.Now()
	s.mu.Unlock()

	s.playbacks.CancelAll()
}

// Terminated reports whether Terminate has been called.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// TerminatedAt returns the termination time, zero if still live.
func (s *Session) TerminatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminatedAt
}

// Duration is the call's age, frozen at termination.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return s.terminatedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}
