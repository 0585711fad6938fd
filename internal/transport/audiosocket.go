package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AudioSocket frame types. Each frame on the wire is
// [type:u8][length:u16 big-endian][payload:length].
const (
	asKindHangup  = 0x00
	asKindID      = 0x01
	asKindSilence = 0x02
	asKindDTMF    = 0x03
	asKindAudio   = 0x10
	asKindError   = 0xff
)

// maxFramePayload bounds a single frame. The switch sends 20 ms PCM16 chunks
// well under this; anything larger is a protocol violation.
const maxFramePayload = 64 * 1024

// writeFrame encodes one frame into w.
func writeFrame(w io.Writer, kind uint8, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("transport: frame payload %d exceeds limit", len(payload))
	}
	hdr := [3]byte{kind, byte(len(payload) >> 8), byte(len(payload))}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame decodes one frame from r.
func readFrame(r io.Reader) (kind uint8, payload []byte, err error) {
	var hdr [3]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind = hdr[0]
	n := int(binary.BigEndian.Uint16(hdr[1:]))
	if n > maxFramePayload {
		return 0, nil, fmt.Errorf("transport: frame payload %d exceeds limit", n)
	}
	payload = make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}

// AudioSocketServer accepts one framed-TCP connection per call. The switch
// dials in and identifies the call with an ID frame carrying a UUID.
type AudioSocketServer struct {
	ln     net.Listener
	logger *slog.Logger

	// ChunkBytes and ChunkDur pace egress on accepted connections.
	chunkBytes int
	chunkDur   time.Duration
}

// NewAudioSocketServer listens on addr. chunkBytes and chunkDur come from the
// negotiated profile and pace egress delivery.
func NewAudioSocketServer(addr string, chunkBytes int, chunkDur time.Duration, logger *slog.Logger) (*AudioSocketServer, error) {
	if chunkBytes <= 0 || chunkDur <= 0 {
		return nil, fmt.Errorf("transport: invalid pacing %d bytes / %s", chunkBytes, chunkDur)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen audiosocket: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioSocketServer{ln: ln, logger: logger, chunkBytes: chunkBytes, chunkDur: chunkDur}, nil
}

// Addr returns the listen address.
func (s *AudioSocketServer) Addr() string { return s.ln.Addr().String() }

// Accept waits for the next connection and reads its identifying frame.
// The returned conn's CallID is the UUID the switch sent.
func (s *AudioSocketServer) Accept() (*AudioSocketConn, error) {
	raw, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}

	kind, payload, err := readFrame(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: read id frame: %w", err)
	}
	if kind != asKindID {
		raw.Close()
		return nil, fmt.Errorf("transport: first frame must be ID, got 0x%02x", kind)
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: parse call id: %w", err)
	}

	c := &AudioSocketConn{
		raw:        raw,
		callID:     id.String(),
		logger:     s.logger.With("call_id", id.String()),
		chunkBytes: s.chunkBytes,
		chunkDur:   s.chunkDur,
		events:     make(chan Event, 256),
		egress:     make(chan []byte, 256),
		flush:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Close stops accepting. Open connections are unaffected.
func (s *AudioSocketServer) Close() error { return s.ln.Close() }

// AudioSocketConn is one call's framed-TCP audio path.
type AudioSocketConn struct {
	raw        net.Conn
	callID     string
	logger     *slog.Logger
	chunkBytes int
	chunkDur   time.Duration

	events chan Event
	egress chan []byte
	flush  chan struct{}

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ Conn = (*AudioSocketConn)(nil)

// CallID returns the UUID the switch identified this connection with.
func (c *AudioSocketConn) CallID() string { return c.callID }

// SendEgress queues agent audio. Delivery is paced to the chunk duration so
// the switch never receives a burst it cannot play out.
func (c *AudioSocketConn) SendEgress(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.egress <- b:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// FlushEgress drops everything queued but not yet written. The write loop
// performs the drain, so audio queued afterwards is unaffected.
func (c *AudioSocketConn) FlushEgress() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.flush <- struct{}{}:
	default:
		// A flush is already pending; one drain covers both.
	}
	return nil
}

// Events implements Conn.
func (c *AudioSocketConn) Events() <-chan Event { return c.events }

// Close implements Conn.
func (c *AudioSocketConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.raw.Close()
	})
	c.wg.Wait()
	return nil
}

// readLoop owns the events channel.
func (c *AudioSocketConn) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	br := bufio.NewReader(c.raw)
	for {
		kind, payload, err := readFrame(br)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.events <- Event{Kind: KindClosed}
			}
			return
		}
		switch kind {
		case asKindHangup:
			c.events <- Event{Kind: KindClosed}
			return
		case asKindAudio:
			c.events <- Event{Kind: KindAudio, Audio: payload}
		case asKindDTMF:
			if len(payload) == 1 {
				c.events <- Event{Kind: KindDTMF, Digit: payload[0]}
			}
		case asKindError:
			c.logger.Warn("audiosocket error frame", "payload", string(payload))
		case asKindSilence, asKindID:
			// Silence padding and duplicate IDs carry no information here.
		}
	}
}

// writeLoop paces queued egress out in chunk-sized frames, one per tick.
// Larger writes are split; residue shorter than a chunk waits for the next
// write or the queue draining.
func (c *AudioSocketConn) writeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.chunkDur)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case <-c.done:
			return
		case b := <-c.egress:
			pending = append(pending, b...)
		case <-c.flush:
			pending = nil
		drain:
			for {
				select {
				case <-c.egress:
				default:
					break drain
				}
			}
		case <-ticker.C:
			// Fold in anything already queued without blocking.
			for len(pending) < c.chunkBytes {
				select {
				case b := <-c.egress:
					pending = append(pending, b...)
					continue
				default:
				}
				break
			}
			if len(pending) == 0 {
				continue
			}
			n := min(c.chunkBytes, len(pending))
			if err := writeFrame(c.raw, asKindAudio, pending[:n]); err != nil {
				select {
				case <-c.done:
				default:
					c.logger.Warn("audiosocket write failed", "error", err)
				}
				return
			}
			pending = pending[n:]
		}
	}
}
