package ari

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// Stream is the event WebSocket. Events are decoded in a background reader
// and delivered in order on Events(); the channel closes after a terminal
// read error or Close.
type Stream struct {
	conn   *websocket.Conn
	logger *slog.Logger
	events chan Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// eventsURL derives the WebSocket endpoint from the REST base URL.
func eventsURL(baseURL, username, password, app string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("ari: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", app)
	q.Set("api_key", username+":"+password)
	q.Set("subscribeAll", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the event WebSocket and starts the reader. The context bounds
// the dial only.
func Connect(ctx context.Context, baseURL, username, password, app string, logger *slog.Logger) (*Stream, error) {
	wsURL, err := eventsURL(baseURL, username, password, app)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ari: dial event stream: %w", err)
	}
	// Event bursts during bridge operations can outrun the consumer briefly.
	conn.SetReadLimit(1 << 20)

	s := &Stream{
		conn:   conn,
		logger: logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// Events returns the decoded event stream. Closed after Close or a terminal
// read error.
func (s *Stream) Events() <-chan Event { return s.events }

// Close tears the stream down. Safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "shutting down")
	})
	s.wg.Wait()
	return nil
}

// readLoop owns the events channel.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	ctx := context.Background()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("event stream read failed", "error", err)
			}
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			s.logger.Warn("undecodable event", "error", err)
			continue
		}
		if u, ok := ev.(UnknownEvent); ok {
			s.logger.Debug("ignoring event", "type", u.Type)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
