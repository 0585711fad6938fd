package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
)

// ─── TestFrameRoundTrip ──────────────────────────────────────────────────────

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}
	if err := writeFrame(&buf, asKindAudio, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	kind, got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if kind != asKindAudio {
		t.Errorf("kind: want 0x%02x, got 0x%02x", asKindAudio, kind)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload: want %v, got %v", payload, got)
	}
}

// ─── TestFrameWireFormat ─────────────────────────────────────────────────────

// The header is [type:u8][length:u16 big-endian].
func TestFrameWireFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := writeFrame(&buf, asKindDTMF, []byte{'5'}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	want := []byte{asKindDTMF, 0x00, 0x01, '5'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes: want %v, got %v", want, buf.Bytes())
	}
}

// ─── TestPayloadType ─────────────────────────────────────────────────────────

func TestPayloadType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		enc  audio.Encoding
		want uint8
	}{
		{audio.EncodingULaw, 0},
		{audio.EncodingALaw, 8},
		{audio.EncodingSLin16, 118},
	}
	for _, tt := range tests {
		got, err := payloadType(tt.enc)
		if err != nil {
			t.Fatalf("payloadType(%s): %v", tt.enc, err)
		}
		if got != tt.want {
			t.Errorf("payloadType(%s): want %d, got %d", tt.enc, tt.want, got)
		}
	}
	if _, err := payloadType(audio.Encoding("opus")); err == nil {
		t.Error("unknown encoding should error")
	}
}

// ─── TestReorderBuffer ───────────────────────────────────────────────────────

func TestReorderBuffer(t *testing.T) {
	t.Parallel()

	t.Run("in order", func(t *testing.T) {
		t.Parallel()
		r := newReorderBuffer(5)
		for i := range uint16(4) {
			out := r.push(100+i, []byte{byte(i)})
			if len(out) != 1 || out[0][0] != byte(i) {
				t.Fatalf("seq %d: want immediate delivery, got %v", 100+i, out)
			}
		}
	})

	t.Run("swap within window", func(t *testing.T) {
		t.Parallel()
		r := newReorderBuffer(5)
		r.push(10, []byte{0})
		if out := r.push(12, []byte{2}); len(out) != 0 {
			t.Fatalf("gap packet should buffer, got %v", out)
		}
		out := r.push(11, []byte{1})
		if len(out) != 2 || out[0][0] != 1 || out[1][0] != 2 {
			t.Fatalf("fill should release both in order, got %v", out)
		}
	})

	t.Run("late packet dropped", func(t *testing.T) {
		t.Parallel()
		r := newReorderBuffer(5)
		r.push(20, []byte{0})
		r.push(21, []byte{1})
		if out := r.push(19, []byte{9}); len(out) != 0 {
			t.Fatalf("late packet must be dropped, got %v", out)
		}
	})

	t.Run("gap skipped beyond window", func(t *testing.T) {
		t.Parallel()
		r := newReorderBuffer(2)
		r.push(30, []byte{0})
		// Packet 31 is lost; buffer 32..34 until the window overflows.
		if out := r.push(32, nil); len(out) != 0 {
			t.Fatal("expected buffering")
		}
		if out := r.push(33, nil); len(out) != 0 {
			t.Fatal("expected buffering")
		}
		out := r.push(34, nil)
		if len(out) != 3 {
			t.Fatalf("window overflow should skip the gap and flush 3, got %d", len(out))
		}
	})

	t.Run("sequence wraparound", func(t *testing.T) {
		t.Parallel()
		r := newReorderBuffer(5)
		r.push(65534, []byte{0})
		r.push(65535, []byte{1})
		out := r.push(0, []byte{2})
		if len(out) != 1 || out[0][0] != 2 {
			t.Fatalf("wraparound should deliver in order, got %v", out)
		}
	})
}

// ─── TestAudioSocketSession ──────────────────────────────────────────────────

func TestAudioSocketSession(t *testing.T) {
	t.Parallel()

	srv, err := NewAudioSocketServer("127.0.0.1:0", 320, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewAudioSocketServer: %v", err)
	}
	defer srv.Close()

	callID := uuid.New()

	type acceptResult struct {
		conn *AudioSocketConn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := srv.Accept()
		accepted <- acceptResult{c, err}
	}()

	peer, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	idBytes, _ := callID.MarshalBinary()
	if err := writeFrame(peer, asKindID, idBytes); err != nil {
		t.Fatalf("send id: %v", err)
	}

	res := <-accepted
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	conn := res.conn
	defer conn.Close()

	if conn.CallID() != callID.String() {
		t.Fatalf("call id: want %s, got %s", callID, conn.CallID())
	}

	// Ingress: audio, then DTMF, then hangup.
	if err := writeFrame(peer, asKindAudio, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := writeFrame(peer, asKindDTMF, []byte{'7'}); err != nil {
		t.Fatalf("send dtmf: %v", err)
	}
	if err := writeFrame(peer, asKindHangup, nil); err != nil {
		t.Fatalf("send hangup: %v", err)
	}

	wantKinds := []EventKind{KindAudio, KindDTMF, KindClosed}
	for i, want := range wantKinds {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				t.Fatalf("event %d: channel closed early", i)
			}
			if ev.Kind != want {
				t.Fatalf("event %d: want kind %v, got %v", i, want, ev.Kind)
			}
			if want == KindDTMF && ev.Digit != '7' {
				t.Errorf("dtmf digit: want 7, got %c", ev.Digit)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d: timeout", i)
		}
	}
}

// ─── TestAudioSocketEgressPacing ─────────────────────────────────────────────

// Queued egress is delivered as chunk-sized frames, never coalesced larger.
func TestAudioSocketEgressPacing(t *testing.T) {
	t.Parallel()

	const chunk = 160
	srv, err := NewAudioSocketServer("127.0.0.1:0", chunk, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewAudioSocketServer: %v", err)
	}
	defer srv.Close()

	accepted := make(chan *AudioSocketConn, 1)
	go func() {
		c, err := srv.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	peer, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	idBytes, _ := uuid.New().MarshalBinary()
	if err := writeFrame(peer, asKindID, idBytes); err != nil {
		t.Fatalf("send id: %v", err)
	}
	conn := <-accepted
	defer conn.Close()

	// Two chunks' worth in one write.
	if err := conn.SendEgress(make([]byte, chunk*2)); err != nil {
		t.Fatalf("SendEgress: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := range 2 {
		kind, payload, err := readFrame(peer)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if kind != asKindAudio {
			t.Fatalf("frame %d: want audio kind, got 0x%02x", i, kind)
		}
		if len(payload) != chunk {
			t.Fatalf("frame %d: want %d bytes, got %d", i, chunk, len(payload))
		}
	}
}

// ─── TestAudioSocketFlushDropsQueued ─────────────────────────────────────────

// A flush drops queued egress so later audio goes out immediately instead of
// waiting behind a second of cancelled playback.
func TestAudioSocketFlushDropsQueued(t *testing.T) {
	t.Parallel()

	const chunk = 160
	srv, err := NewAudioSocketServer("127.0.0.1:0", chunk, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewAudioSocketServer: %v", err)
	}
	defer srv.Close()

	accepted := make(chan *AudioSocketConn, 1)
	go func() {
		c, err := srv.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	peer, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	idBytes, _ := uuid.New().MarshalBinary()
	if err := writeFrame(peer, asKindID, idBytes); err != nil {
		t.Fatalf("send id: %v", err)
	}
	conn := <-accepted
	defer conn.Close()

	// A second of audio, flushed before it can play out.
	if err := conn.SendEgress(make([]byte, chunk*50)); err != nil {
		t.Fatalf("SendEgress: %v", err)
	}
	if err := conn.FlushEgress(); err != nil {
		t.Fatalf("FlushEgress: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := conn.SendEgress(bytes.Repeat([]byte{0xAA}, chunk)); err != nil {
		t.Fatalf("SendEgress marker: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	staleFrames := 0
	for {
		kind, payload, err := readFrame(peer)
		if err != nil {
			t.Fatalf("marker frame never arrived: %v", err)
		}
		if kind != asKindAudio {
			continue
		}
		if len(payload) > 0 && payload[0] == 0xAA {
			return
		}
		staleFrames++
		if staleFrames > 3 {
			t.Fatal("flushed audio still playing out")
		}
	}
}

// ─── TestAudioSocketSendAfterClose ───────────────────────────────────────────

func TestAudioSocketSendAfterClose(t *testing.T) {
	t.Parallel()

	srv, err := NewAudioSocketServer("127.0.0.1:0", 320, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewAudioSocketServer: %v", err)
	}
	defer srv.Close()

	accepted := make(chan *AudioSocketConn, 1)
	go func() {
		c, err := srv.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	peer, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	idBytes, _ := uuid.New().MarshalBinary()
	writeFrame(peer, asKindID, idBytes)

	conn := <-accepted
	conn.Close()
	if err := conn.SendEgress([]byte{1}); err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if err := conn.FlushEgress(); err != ErrClosed {
		t.Fatalf("flush after close: want ErrClosed, got %v", err)
	}
}

// ─── RTP egress ──────────────────────────────────────────────────────────────

// learnPeer makes conn adopt the given UDP socket as its peer by sending one
// datagram from it, the way the switch's first packet does.
func learnPeer(t *testing.T, peer *net.UDPConn, conn *RTPConn) {
	t.Helper()
	dst, err := net.ResolveUDPAddr("udp", conn.AdvertisedAddr())
	if err != nil {
		t.Fatalf("resolve advertised addr: %v", err)
	}
	if _, err := peer.WriteToUDP([]byte{0}, dst); err != nil {
		t.Fatalf("teach peer: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
}

// ─── TestRTPEgressPacing ─────────────────────────────────────────────────────

// Queued egress goes out as chunk-sized packets with consecutive sequence
// numbers and sample-accurate timestamps.
func TestRTPEgressPacing(t *testing.T) {
	t.Parallel()

	conn, err := NewRTP(RTPConfig{
		BindHost: "127.0.0.1",
		Encoding: audio.EncodingULaw,
		Rate:     8000,
		ChunkMs:  5,
	})
	if err != nil {
		t.Fatalf("NewRTP: %v", err)
	}
	defer conn.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	defer peer.Close()
	learnPeer(t, peer, conn)

	// Two chunks' worth in one write: 5ms of μ-law at 8 kHz is 40 bytes.
	const chunkBytes = 40
	if err := conn.SendEgress(make([]byte, chunkBytes*2)); err != nil {
		t.Fatalf("SendEgress: %v", err)
	}

	buf := make([]byte, 1500)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var prevSeq uint16
	var prevTS uint32
	for i := range 2 {
		n, _, err := peer.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.Fatalf("packet %d: unmarshal: %v", i, err)
		}
		if pkt.PayloadType != payloadULaw {
			t.Errorf("packet %d: payload type: want %d, got %d", i, payloadULaw, pkt.PayloadType)
		}
		if len(pkt.Payload) != chunkBytes {
			t.Fatalf("packet %d: want %d payload bytes, got %d", i, chunkBytes, len(pkt.Payload))
		}
		if i > 0 {
			if pkt.SequenceNumber != prevSeq+1 {
				t.Errorf("sequence: want %d, got %d", prevSeq+1, pkt.SequenceNumber)
			}
			if pkt.Timestamp != prevTS+chunkBytes {
				t.Errorf("timestamp: want %d, got %d", prevTS+chunkBytes, pkt.Timestamp)
			}
		}
		prevSeq = pkt.SequenceNumber
		prevTS = pkt.Timestamp
	}
}

// ─── TestRTPFlushDropsQueued ─────────────────────────────────────────────────

func TestRTPFlushDropsQueued(t *testing.T) {
	t.Parallel()

	conn, err := NewRTP(RTPConfig{
		BindHost: "127.0.0.1",
		Encoding: audio.EncodingULaw,
		Rate:     8000,
		ChunkMs:  20,
	})
	if err != nil {
		t.Fatalf("NewRTP: %v", err)
	}
	defer conn.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	defer peer.Close()
	learnPeer(t, peer, conn)

	// A second of audio, flushed before it can play out.
	if err := conn.SendEgress(make([]byte, 8000)); err != nil {
		t.Fatalf("SendEgress: %v", err)
	}
	if err := conn.FlushEgress(); err != nil {
		t.Fatalf("FlushEgress: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := conn.SendEgress(bytes.Repeat([]byte{0xAA}, 160)); err != nil {
		t.Fatalf("SendEgress marker: %v", err)
	}

	buf := make([]byte, 1500)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	stalePackets := 0
	for {
		n, _, err := peer.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("marker packet never arrived: %v", err)
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) > 0 && pkt.Payload[0] == 0xAA {
			return
		}
		stalePackets++
		if stalePackets > 3 {
			t.Fatal("flushed audio still playing out")
		}
	}
}

// ─── TestRTPInvalidPacing ────────────────────────────────────────────────────

func TestRTPInvalidPacing(t *testing.T) {
	t.Parallel()

	if _, err := NewRTP(RTPConfig{
		BindHost: "127.0.0.1",
		Encoding: audio.EncodingULaw,
		Rate:     8000,
	}); err == nil {
		t.Error("zero chunk duration should error")
	}
}
