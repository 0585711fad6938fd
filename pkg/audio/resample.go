package audio

import "math"

// Resampler converts PCM16 between two sample rates using linear
// interpolation at exact fractional positions. It is stateful: the last input
// sample of each chunk is carried so that consecutive chunks produce the same
// waveform as resampling their concatenation in one call. Feeding chunked
// audio through a fresh Resampler per chunk produces an audible ~50 Hz buzz
// at typical 20 ms pacing — always reuse one Resampler per stream direction.
//
// A Resampler is not safe for concurrent use; create one per stream.
type Resampler struct {
	inRate  int
	outRate int
	ratio   float64 // input samples consumed per output sample

	// phase is the fractional read position of the next output sample,
	// expressed in input-sample coordinates where 0 is the carried sample
	// from the previous chunk. Meaningless until primed.
	phase  float64
	last   int16
	primed bool
}

// NewResampler creates a Resampler converting from inRate to outRate Hz.
// Rates must be positive.
func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		ratio:   float64(inRate) / float64(outRate),
	}
}

// Process resamples one chunk of PCM16. The output always contains exactly
// round(samples(pcm) * outRate / inRate) samples. Empty input yields empty
// output and does not disturb the carried state.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.inRate == r.outRate || r.inRate <= 0 || r.outRate <= 0 {
		return pcm
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	m := int(math.Round(float64(n) * float64(r.outRate) / float64(r.inRate)))
	out := make([]byte, m*2)

	// sampleAt reads the virtual input stream: index 0 is the carried sample,
	// indexes 1..n are this chunk. Unprimed streams start directly at the
	// chunk, so the coordinate origin shifts by one.
	origin := -1
	if !r.primed {
		r.phase = 0
		origin = 0
	}
	sampleAt := func(idx int) int16 {
		idx += origin
		if idx < 0 {
			return r.last
		}
		if idx >= n {
			idx = n - 1
		}
		return int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
	}

	for i := range m {
		pos := r.phase + float64(i)*r.ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(sampleAt(idx))
		s1 := float64(sampleAt(idx + 1))
		v := int16(s0 + (s1-s0)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}

	// Advance the phase past this chunk and rebase the origin onto the chunk's
	// last sample, which becomes the carried sample for the next call.
	consumed := float64(n)
	if !r.primed {
		consumed = float64(n - 1)
		r.primed = true
	}
	r.phase = r.phase + float64(m)*r.ratio - consumed
	r.last = int16(pcm[(n-1)*2]) | int16(pcm[(n-1)*2+1])<<8
	return out
}

// Reset clears the carried state so the next chunk is treated as the start of
// a fresh stream.
func (r *Resampler) Reset() {
	r.phase = 0
	r.last = 0
	r.primed = false
}
