package transport

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
)

// reorderWindow is how many packets ahead of the next expected sequence we
// buffer before giving up on a gap. Packets older than the window are late
// and dropped.
const reorderWindow = 5

// RTP payload types the switch negotiates for ExternalMedia channels.
// 0 and 8 are the static G.711 assignments; signed linear uses the dynamic
// type the switch's slin16 format binds to.
const (
	payloadULaw = 0
	payloadALaw = 8
	payloadSLin = 118
)

// payloadType maps a wire encoding to its RTP payload type.
func payloadType(enc audio.Encoding) (uint8, error) {
	switch enc {
	case audio.EncodingULaw:
		return payloadULaw, nil
	case audio.EncodingALaw:
		return payloadALaw, nil
	case audio.EncodingSLin16:
		return payloadSLin, nil
	}
	return 0, fmt.Errorf("%w: %q", audio.ErrUnknownEncoding, enc)
}

// RTPConfig configures one call's ExternalMedia leg.
type RTPConfig struct {
	// BindHost is the local interface to bind the UDP socket on.
	BindHost string

	// AdvertiseHost is the address told to the switch. Behind NAT it differs
	// from BindHost; empty falls back to BindHost.
	AdvertiseHost string

	// PortMin and PortMax bound the local port search. Zero means any port.
	PortMin, PortMax int

	// Encoding and Rate are the wire format from the negotiated profile.
	Encoding audio.Encoding
	Rate     int

	// ChunkMs paces egress: one packet of this duration per tick. It comes
	// from the negotiated profile and gives a cancelled playback a queue to
	// drop.
	ChunkMs int

	Logger *slog.Logger
}

// RTPConn is the ExternalMedia transport for one call. The switch's peer
// address is learned from its first packet; egress before that is dropped.
type RTPConn struct {
	sock       *net.UDPConn
	pt         uint8
	bps        int // bytes per sample on the wire
	adHost     string
	logger     *slog.Logger
	events     chan Event
	egress     chan []byte
	flush      chan struct{}
	chunkBytes int
	chunkDur   time.Duration
	done       chan struct{}

	mu     sync.Mutex
	peer   *net.UDPAddr
	seq    uint16
	ts     uint32
	ssrc   uint32
	closed bool

	wg sync.WaitGroup
}

var _ Conn = (*RTPConn)(nil)

// NewRTP binds a UDP socket for one call and starts the ingress reader and
// the paced egress writer.
func NewRTP(cfg RTPConfig) (*RTPConn, error) {
	pt, err := payloadType(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if cfg.ChunkMs <= 0 || cfg.Rate <= 0 {
		return nil, fmt.Errorf("transport: invalid rtp pacing %dms at %dHz", cfg.ChunkMs, cfg.Rate)
	}
	sock, err := bindUDP(cfg.BindHost, cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, fmt.Errorf("transport: bind rtp: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adHost := cfg.AdvertiseHost
	if adHost == "" {
		adHost = cfg.BindHost
	}

	bps := cfg.Encoding.BytesPerSample()
	c := &RTPConn{
		sock:       sock,
		pt:         pt,
		bps:        bps,
		adHost:     adHost,
		logger:     logger,
		events:     make(chan Event, 256),
		egress:     make(chan []byte, 256),
		flush:      make(chan struct{}, 1),
		chunkBytes: cfg.Rate * cfg.ChunkMs / 1000 * bps,
		chunkDur:   time.Duration(cfg.ChunkMs) * time.Millisecond,
		done:       make(chan struct{}),
		seq:        uint16(rand.Uint32()),
		ts:         rand.Uint32(),
		ssrc:       rand.Uint32(),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// bindUDP binds the first free port in [min, max], or any port when the
// range is zero.
func bindUDP(host string, min, max int) (*net.UDPConn, error) {
	if min == 0 && max == 0 {
		return net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	}
	for port := min; port <= max; port++ {
		sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
		if err == nil {
			return sock, nil
		}
	}
	return nil, fmt.Errorf("no free port in %d-%d", min, max)
}

// AdvertisedAddr is the host:port given to the switch when creating the
// ExternalMedia channel.
func (c *RTPConn) AdvertisedAddr() string {
	port := c.sock.LocalAddr().(*net.UDPAddr).Port
	return net.JoinHostPort(c.adHost, fmt.Sprintf("%d", port))
}

// SendEgress queues agent audio. The write loop paces it onto the wire one
// chunk per tick.
func (c *RTPConn) SendEgress(b []byte) error {
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

// FlushEgress drops everything queued but not yet sent.
func (c *RTPConn) FlushEgress() error {
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
func (c *RTPConn) Events() <-chan Event { return c.events }

// Close implements Conn.
func (c *RTPConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.sock.Close()
	c.wg.Wait()
	return err
}

// writeLoop paces queued egress out in chunk-sized packets, one per tick.
func (c *RTPConn) writeLoop() {
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
			if err := c.sendPacket(pending[:n]); err != nil {
				c.logger.Warn("rtp send failed", "error", err)
			}
			pending = pending[n:]
		}
	}
}

// sendPacket wraps one payload in an RTP packet for the learned peer.
// Sequence and timestamp advance monotonically; the SSRC is fixed for the
// session.
func (c *RTPConn) sendPacket(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	peer := c.peer
	if peer == nil {
		// The switch has not sent yet, so there is nowhere to send. Dropping
		// is safe: this only happens in the first tens of milliseconds.
		c.mu.Unlock()
		return nil
	}
	c.seq++
	c.ts += uint32(len(payload) / c.bps)
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    c.pt,
			SequenceNumber: c.seq,
			Timestamp:      c.ts,
			SSRC:           c.ssrc,
		},
		Payload: payload,
	}
	c.mu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("transport: marshal rtp: %w", err)
	}
	if _, err := c.sock.WriteToUDP(raw, peer); err != nil {
		return fmt.Errorf("transport: send rtp: %w", err)
	}
	return nil
}

// readLoop owns the events channel. It learns the peer address, filters by
// payload type, reorders within the window, and emits in-order audio.
func (c *RTPConn) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	buf := make([]byte, 2048)
	reorder := newReorderBuffer(reorderWindow)
	pkt := &rtp.Packet{}

	for {
		n, addr, err := c.sock.ReadFromUDP(buf)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.events <- Event{Kind: KindClosed}
			}
			return
		}

		c.mu.Lock()
		if c.peer == nil {
			c.peer = addr
			c.logger.Debug("rtp peer learned", "peer", addr.String())
		}
		c.mu.Unlock()

		*pkt = rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if pkt.PayloadType != c.pt || len(pkt.Payload) == 0 {
			continue
		}

		// The reorder buffer keeps payload references; clone out of the
		// shared read buffer.
		payload := append([]byte(nil), pkt.Payload...)
		for _, out := range reorder.push(pkt.SequenceNumber, payload) {
			c.events <- Event{Kind: KindAudio, Audio: out}
		}
	}
}

// ─── reorder buffer ──────────────────────────────────────────────────────────

// reorderBuffer restores sequence order within a bounded window. Packets
// arriving behind the next expected sequence are late and dropped; when a gap
// holds more than window packets back, the gap is skipped.
type reorderBuffer struct {
	window  int
	pending map[uint16][]byte
	next    uint16
	started bool
}

func newReorderBuffer(window int) *reorderBuffer {
	return &reorderBuffer{window: window, pending: make(map[uint16][]byte)}
}

// seqBefore reports whether a precedes b in mod-2^16 sequence space.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// push accepts one packet and returns all payloads now deliverable in order.
func (r *reorderBuffer) push(seq uint16, payload []byte) [][]byte {
	if !r.started {
		r.started = true
		r.next = seq
	}
	if seqBefore(seq, r.next) {
		return nil // late
	}
	r.pending[seq] = payload

	var out [][]byte
	for {
		if p, ok := r.pending[r.next]; ok {
			out = append(out, p)
			delete(r.pending, r.next)
			r.next++
			continue
		}
		if len(r.pending) > r.window {
			// Give up on the gap: jump to the oldest buffered packet.
			r.next = r.oldest()
			continue
		}
		return out
	}
}

// oldest returns the lowest pending sequence in mod-2^16 order.
func (r *reorderBuffer) oldest() uint16 {
	var best uint16
	first := true
	for seq := range r.pending {
		if first || seqBefore(seq, best) {
			best = seq
			first = false
		}
	}
	return best
}
