package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPlaybackActive is returned when a second playback is started while one
// is still in flight. Callers stop or wait for the current playback first.
var ErrPlaybackActive = errors.New("session: playback already active")

// Playback is one in-flight audio delivery to the caller. The estimated
// duration is derived from the byte count at the egress wire format and feeds
// the coordinator's echo-window accounting.
type Playback struct {
	ID        string
	StartedAt time.Time

	mu        sync.Mutex
	estimated time.Duration
	cancel    func()
	done      bool
}

// Extend grows the estimated duration as more audio is queued under the same
// playback.
func (p *Playback) Extend(d time.Duration) {
	p.mu.Lock()
	p.estimated += d
	p.mu.Unlock()
}

// Deadline is the projected wall-clock end of the playback.
func (p *Playback) Deadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StartedAt.Add(p.estimated)
}

// Done reports whether the playback has finished or been cancelled.
func (p *Playback) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Playback) finish(runCancel bool) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	cancel := p.cancel
	p.mu.Unlock()

	if runCancel && cancel != nil {
		cancel()
	}
}

// PlaybackManager tracks the session's playbacks. At most one playback is
// active at a time; a new one may only start after the previous finished or
// was cancelled.
type PlaybackManager struct {
	session *Session

	mu     sync.Mutex
	active *Playback
}

func newPlaybackManager(s *Session) *PlaybackManager {
	return &PlaybackManager{session: s}
}

// Start registers a new playback. cancel, if non-nil, is invoked when the
// playback is stopped early. Fails with ErrPlaybackActive while another
// playback is in flight and with ErrTerminated after the session ended.
func (m *PlaybackManager) Start(estimated time.Duration, cancel func()) (*Playback, error) {
	if m.session.Terminated() {
		return nil, ErrTerminated
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.Done() {
		return nil, ErrPlaybackActive
	}
	p := &Playback{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		estimated: estimated,
		cancel:    cancel,
	}
	m.active = p
	return p, nil
}

// Active returns the in-flight playback, nil if none.
func (m *PlaybackManager) Active() *Playback {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.Done() {
		return nil
	}
	return m.active
}

// Finish marks the playback with the given id complete. Finishing an unknown
// or already-finished id is a no-op.
func (m *PlaybackManager) Finish(id string) {
	m.mu.Lock()
	p := m.active
	m.mu.Unlock()
	if p != nil && p.ID == id {
		p.finish(false)
	}
}

// Cancel stops the in-flight playback, running its cancel hook.
func (m *PlaybackManager) Cancel() {
	m.mu.Lock()
	p := m.active
	m.mu.Unlock()
	if p != nil {
		p.finish(true)
	}
}

// CancelAll stops everything in flight. Called at session termination.
func (m *PlaybackManager) CancelAll() { m.Cancel() }
