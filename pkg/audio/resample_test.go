package audio

import (
	"math"
	"testing"
)

// sine produces n PCM16 samples of a freq-Hz sine at rate Hz.
func sine(n int, freq, rate float64) []byte {
	out := make([]byte, n*2)
	for i := range n {
		v := int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/rate))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// ─── TestResamplerOutputLength ───────────────────────────────────────────────

func TestResamplerOutputLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in, out int
		samples int
		wantOut int
	}{
		{name: "8k to 16k doubles", in: 8000, out: 16000, samples: 160, wantOut: 320},
		{name: "16k to 8k halves", in: 16000, out: 8000, samples: 320, wantOut: 160},
		{name: "8k to 24k triples", in: 8000, out: 24000, samples: 160, wantOut: 480},
		{name: "16k to 48k", in: 16000, out: 48000, samples: 320, wantOut: 960},
		{name: "24k to 8k", in: 24000, out: 8000, samples: 480, wantOut: 160},
		{name: "22050 to 16000 rounds", in: 22050, out: 16000, samples: 441, wantOut: 320},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResampler(tt.in, tt.out)
			got := r.Process(sine(tt.samples, 440, float64(tt.in)))
			if len(got)/2 != tt.wantOut {
				t.Fatalf("output samples: want %d, got %d", tt.wantOut, len(got)/2)
			}
		})
	}
}

// ─── TestResamplerChunkBoundaryContinuity ────────────────────────────────────

// Resampling a stream in 20 ms chunks with carried state must match
// resampling the whole stream in one call, sample for sample, up to one
// sample of interpolation error. This is the property that prevents the
// audible buzz at chunk boundaries.
func TestResamplerChunkBoundaryContinuity(t *testing.T) {
	t.Parallel()

	pairs := []struct{ in, out int }{
		{8000, 16000},
		{16000, 8000},
		{8000, 24000},
		{16000, 48000},
		{24000, 16000},
	}

	for _, p := range pairs {
		whole := sine(p.in/5, 310, float64(p.in)) // 200 ms

		ref := NewResampler(p.in, p.out).Process(whole)

		chunked := NewResampler(p.in, p.out)
		chunkSamples := p.in / 50 // 20 ms
		var got []byte
		for off := 0; off < len(whole); off += chunkSamples * 2 {
			end := min(off+chunkSamples*2, len(whole))
			got = append(got, chunked.Process(whole[off:end])...)
		}

		refS, gotS := samples(ref), samples(got)
		n := min(len(refS), len(gotS))
		if len(refS)-len(gotS) > 10 || len(gotS)-len(refS) > 10 {
			t.Fatalf("%d→%d: length diverged: whole=%d chunked=%d", p.in, p.out, len(refS), len(gotS))
		}
		for i := range n {
			diff := int(refS[i]) - int(gotS[i])
			if diff < -64 || diff > 64 {
				t.Fatalf("%d→%d: sample %d diverged: whole=%d chunked=%d", p.in, p.out, i, refS[i], gotS[i])
			}
		}
	}
}

// ─── TestResamplerRoundTripRMSE ──────────────────────────────────────────────

// Down- then up-sampling (or the reverse) must reconstruct the waveform
// within a bounded RMSE for common telephony rate pairs.
func TestResamplerRoundTripRMSE(t *testing.T) {
	t.Parallel()

	pairs := []struct{ a, b int }{
		{8000, 16000},
		{8000, 24000},
		{16000, 48000},
	}

	for _, p := range pairs {
		orig := sine(p.a/5, 400, float64(p.a))
		up := NewResampler(p.a, p.b).Process(orig)
		down := NewResampler(p.b, p.a).Process(up)

		o, d := samples(orig), samples(down)
		n := min(len(o), len(d))
		var sum float64
		// Skip the first few samples: the carried-state warm-up interpolates
		// against a zero history.
		const skip = 8
		for i := skip; i < n; i++ {
			diff := float64(o[i]) - float64(d[i])
			sum += diff * diff
		}
		rmse := math.Sqrt(sum / float64(n-skip))
		if rmse > 600 {
			t.Errorf("%d↔%d: round-trip RMSE %.1f exceeds bound", p.a, p.b, rmse)
		}
	}
}

// ─── TestResamplerSameRatePassthrough ────────────────────────────────────────

func TestResamplerSameRatePassthrough(t *testing.T) {
	t.Parallel()

	in := sine(160, 440, 8000)
	r := NewResampler(8000, 8000)
	out := r.Process(in)
	if &out[0] != &in[0] {
		t.Error("same-rate resample should return the input slice")
	}
}

// ─── TestResamplerReset ──────────────────────────────────────────────────────

func TestResamplerReset(t *testing.T) {
	t.Parallel()

	in := sine(160, 440, 8000)
	r := NewResampler(8000, 16000)
	first := r.Process(in)
	r.Reset()
	second := r.Process(in)

	f, s := samples(first), samples(second)
	for i := range f {
		if f[i] != s[i] {
			t.Fatalf("sample %d differs after Reset: %d vs %d", i, f[i], s[i])
		}
	}
}

// ─── TestResamplerEmptyChunk ─────────────────────────────────────────────────

func TestResamplerEmptyChunk(t *testing.T) {
	t.Parallel()

	r := NewResampler(8000, 16000)
	if out := r.Process(nil); len(out) != 0 {
		t.Fatalf("empty chunk produced %d bytes", len(out))
	}
}
