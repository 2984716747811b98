package audio

import (
	"math"
)

// Clamp16 saturates a mixed sample to the signed 16-bit range
func Clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// FloatToInt16 converts [-1, 1] float samples to signed 16-bit, clipping
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * math.MaxInt16
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(math.Round(v))
	}
	return out
}

// Remix converts interleaved samples between channel counts.
// Down-mixing to mono averages channels; up-mixing repeats them.
func Remix(samples []int16, inChannels, outChannels int) []int16 {
	if inChannels == outChannels || inChannels <= 0 || outChannels <= 0 {
		return samples
	}

	frames := len(samples) / inChannels
	out := make([]int16, frames*outChannels)
	for f := 0; f < frames; f++ {
		frame := samples[f*inChannels : (f+1)*inChannels]
		if outChannels == 1 {
			var sum int32
			for _, s := range frame {
				sum += int32(s)
			}
			out[f] = int16(sum / int32(inChannels))
			continue
		}
		for c := 0; c < outChannels; c++ {
			out[f*outChannels+c] = frame[c%inChannels]
		}
	}
	return out
}

// Resampler performs linear interpolation resampling across consecutive
// buffers of one stream, carrying the fractional read position so buffer
// boundaries do not lose or duplicate samples.
type Resampler struct {
	inRate   int
	outRate  int
	channels int
	step     float64
	pos      float64
	prev     []int16
	primed   bool
}

// NewResampler creates a resampler for interleaved audio
func NewResampler(inRate, outRate, channels int) *Resampler {
	return &Resampler{
		inRate:   inRate,
		outRate:  outRate,
		channels: channels,
		step:     float64(inRate) / float64(outRate),
		prev:     make([]int16, channels),
	}
}

// Process resamples the next buffer of the stream
func (r *Resampler) Process(samples []int16) []int16 {
	if r.inRate == r.outRate {
		return samples
	}

	ch := r.channels
	frames := len(samples) / ch
	if frames == 0 {
		return nil
	}

	if !r.primed {
		copy(r.prev, samples[:ch])
		r.primed = true
	}

	at := func(i, c int) float64 {
		if i < 0 {
			return float64(r.prev[c])
		}
		return float64(samples[i*ch+c])
	}

	estimate := int(float64(frames)/r.step) + 1
	out := make([]int16, 0, estimate*ch)
	last := float64(frames - 1)
	for r.pos <= last {
		i0 := int(math.Floor(r.pos))
		frac := r.pos - float64(i0)
		for c := 0; c < ch; c++ {
			v := at(i0, c)
			if frac > 0 {
				v = v*(1.0-frac) + at(i0+1, c)*frac
			}
			out = append(out, int16(math.Round(v)))
		}
		r.pos += r.step
	}

	r.pos -= float64(frames)
	copy(r.prev, samples[(frames-1)*ch:])
	return out
}

// Flush emits the samples still owed for the last input frame of the
// stream, holding that frame's value, and resets the resampler
func (r *Resampler) Flush() []int16 {
	if r.inRate == r.outRate || !r.primed {
		r.Reset()
		return nil
	}
	var out []int16
	for r.pos < 0 {
		out = append(out, r.prev...)
		r.pos += r.step
	}
	r.Reset()
	return out
}

// Reset forgets stream history
func (r *Resampler) Reset() {
	r.pos = 0
	r.primed = false
}

// EncodeMulaw converts linear PCM samples to G.711 μ-law bytes
func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out
}

// DecodeMulaw converts G.711 μ-law bytes back to linear PCM
func DecodeMulaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = mulawToLinear(b)
	}
	return out
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
// G.711 μ-law encoding (ITU-T G.711), 16-bit input variant
func linearToMulaw(sample int16) byte {
	const (
		clip = 32635
		bias = 0x84
	)

	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above bit 7
	exponent := byte(7)
	for mask := int32(0x4000); magnitude&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((magnitude >> (exponent + 3)) & 0x0F)

	return ^(sign | (exponent << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	exponent := (mulawByte >> 4) & 0x07
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa << 3) + 0x84) << exponent
	magnitude -= 0x84

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizedLevel maps RMS to a 0..1 meter value on a -60 dBFS floor
func NormalizedLevel(samples []int16) float64 {
	rms := CalculateRMS(samples)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms/math.MaxInt16)
	if db <= -60 {
		return 0
	}
	if db >= 0 {
		return 1
	}
	return (db + 60) / 60
}
