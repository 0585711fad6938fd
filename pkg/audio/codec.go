package audio

import "fmt"

// ErrUnknownEncoding is wrapped by codec functions when asked to convert an
// encoding they do not recognise. Conversions never silently substitute.
var ErrUnknownEncoding = fmt.Errorf("audio: unknown encoding")

// G.711 lookup tables. Decode tables map each companded byte to its PCM16
// sample; encode tables map every PCM16 sample to its companded byte. Built
// once at init — encoding and decoding in the hot path are single array loads.
var (
	ulawToLinear [256]int16
	alawToLinear [256]int16
	linearToUlaw [65536]uint8
	linearToAlaw [65536]uint8
)

func init() {
	for i := range 256 {
		ulawToLinear[i] = decodeULawSample(uint8(i))
		alawToLinear[i] = decodeALawSample(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeULawSample(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeALawSample(int16(i))
	}
}

// decodeULawSample expands one μ-law byte to a PCM16 sample.
func decodeULawSample(u uint8) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int16(mantissa)<<3 + 0x84) << exponent) - 0x84
	if sign != 0 {
		return -sample
	}
	return sample
}

// encodeULawSample compresses one PCM16 sample to a μ-law byte.
func encodeULawSample(sample int16) uint8 {
	const (
		bias = 0x84
		clip = 32635
	)
	var sign uint8
	if sample < 0 {
		sign = 0x80
		if sample == -32768 {
			sample = 32767
		} else {
			sample = -sample
		}
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := uint8(7)
	for mask := int16(0x4000); exponent > 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := uint8(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// decodeALawSample expands one A-law byte to a PCM16 sample. In A-law the
// even bits are inverted on the wire and a set sign bit means positive.
func decodeALawSample(a uint8) int16 {
	a ^= 0x55
	positive := a&0x80 != 0
	exponent := (a >> 4) & 0x07
	mantissa := a & 0x0F
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa)<<4 | 0x08
	} else {
		sample = (int16(mantissa)<<4 | 0x108) << (exponent - 1)
	}
	if positive {
		return sample
	}
	return -sample
}

// encodeALawSample compresses one PCM16 sample to an A-law byte.
func encodeALawSample(sample int16) uint8 {
	mask := uint8(0xD5) // positive: sets the sign bit after the 0x55 toggle
	if sample < 0 {
		mask = 0x55
		if sample == -32768 {
			sample = 32767
		} else {
			sample = -sample
		}
	}
	var exponent, mantissa uint8
	if sample < 0x100 {
		exponent = 0
		mantissa = uint8(sample>>4) & 0x0F
	} else {
		exponent = 1
		for seg := int16(0x200); exponent < 7 && sample >= seg; seg <<= 1 {
			exponent++
		}
		mantissa = uint8(sample>>(exponent+3)) & 0x0F
	}
	return (exponent<<4 | mantissa) ^ mask
}

// DecodeToPCM16 converts companded telephony bytes into PCM16 at the same
// sample rate. Passing EncodingSLin16 returns the input unchanged.
func DecodeToPCM16(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingSLin16:
		return data, nil
	case EncodingULaw, EncodingALaw:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}

	table := &ulawToLinear
	if enc == EncodingALaw {
		table = &alawToLinear
	}
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := table[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}

// EncodePCM16 converts PCM16 into the requested wire encoding at the same
// sample rate. Passing EncodingSLin16 returns the input unchanged.
func EncodePCM16(pcm []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingSLin16:
		return pcm, nil
	case EncodingULaw, EncodingALaw:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}

	table := &linearToUlaw
	if enc == EncodingALaw {
		table = &linearToAlaw
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = table[uint16(s)]
	}
	return out, nil
}
