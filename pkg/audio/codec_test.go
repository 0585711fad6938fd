package audio

import (
	"testing"
)

// ─── TestULawRoundTrip ───────────────────────────────────────────────────────

func TestULawRoundTrip(t *testing.T) {
	t.Parallel()

	// Every μ-law byte except negative zero (0x7F) survives decode → encode.
	// 0x7F decodes to the same PCM value as 0xFF, so encode canonicalises it.
	for b := range 256 {
		if b == 0x7F {
			continue
		}
		got := encodeULawSample(decodeULawSample(uint8(b)))
		if got != uint8(b) {
			t.Errorf("ulaw byte 0x%02X: round trip produced 0x%02X", b, got)
		}
	}
	if got := encodeULawSample(decodeULawSample(0x7F)); got != 0xFF {
		t.Errorf("ulaw negative zero: want canonical 0xFF, got 0x%02X", got)
	}
}

// ─── TestALawRoundTrip ───────────────────────────────────────────────────────

func TestALawRoundTrip(t *testing.T) {
	t.Parallel()

	for b := range 256 {
		got := encodeALawSample(decodeALawSample(uint8(b)))
		if got != uint8(b) {
			t.Errorf("alaw byte 0x%02X: round trip produced 0x%02X", b, got)
		}
	}
}

// ─── TestCodecKnownValues ────────────────────────────────────────────────────

func TestCodecKnownValues(t *testing.T) {
	t.Parallel()

	if got := encodeULawSample(0); got != 0xFF {
		t.Errorf("ulaw silence: want 0xFF, got 0x%02X", got)
	}
	if got := encodeALawSample(0); got != 0xD5 {
		t.Errorf("alaw silence: want 0xD5, got 0x%02X", got)
	}
	if got := decodeULawSample(0xFF); got != 0 {
		t.Errorf("ulaw 0xFF: want 0, got %d", got)
	}
	// Encoding is monotonic in magnitude: louder samples decode louder.
	prev := decodeULawSample(encodeULawSample(100))
	for _, s := range []int16{500, 2000, 10000, 30000} {
		cur := decodeULawSample(encodeULawSample(s))
		if cur <= prev {
			t.Fatalf("ulaw magnitude not monotonic at %d: %d <= %d", s, cur, prev)
		}
		prev = cur
	}
}

// ─── TestDecodeToPCM16 ───────────────────────────────────────────────────────

func TestDecodeToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		enc     Encoding
		in      []byte
		wantLen int
		wantErr bool
	}{
		{name: "ulaw doubles length", enc: EncodingULaw, in: []byte{0xFF, 0x7F, 0x00}, wantLen: 6},
		{name: "alaw doubles length", enc: EncodingALaw, in: []byte{0xD5, 0x55}, wantLen: 4},
		{name: "slin16 passthrough", enc: EncodingSLin16, in: []byte{1, 2, 3, 4}, wantLen: 4},
		{name: "unknown encoding", enc: Encoding("opus"), in: []byte{0}, wantErr: true},
		{name: "empty input", enc: EncodingULaw, in: nil, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := DecodeToPCM16(tt.in, tt.enc)
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeToPCM16: %v", err)
			}
			if len(out) != tt.wantLen {
				t.Fatalf("output length: want %d, got %d", tt.wantLen, len(out))
			}
		})
	}
}

// ─── TestEncodePCM16 ─────────────────────────────────────────────────────────

func TestEncodePCM16(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x00, 0x00, 0xE8, 0x03} // samples 0, 1000
	out, err := EncodePCM16(pcm, EncodingULaw)
	if err != nil {
		t.Fatalf("EncodePCM16: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("output length: want 2, got %d", len(out))
	}
	if out[0] != 0xFF {
		t.Errorf("sample 0: want 0xFF, got 0x%02X", out[0])
	}

	if _, err := EncodePCM16(pcm, Encoding("mp3")); err == nil {
		t.Fatal("want error for unknown encoding")
	}
}

// ─── TestByteDuration ────────────────────────────────────────────────────────

func TestByteDuration(t *testing.T) {
	t.Parallel()

	// 160 μ-law bytes at 8 kHz is exactly one 20 ms chunk.
	if d := ByteDuration(160, EncodingULaw, 8000); d.Milliseconds() != 20 {
		t.Errorf("ulaw chunk: want 20ms, got %v", d)
	}
	// 640 PCM16 bytes at 16 kHz is also 20 ms.
	if d := ByteDuration(640, EncodingSLin16, 16000); d.Milliseconds() != 20 {
		t.Errorf("slin16 chunk: want 20ms, got %v", d)
	}
}
