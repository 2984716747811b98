package audio

import (
	"encoding/binary"
	"time"
)

// SourceKind identifies an audio source
type SourceKind int

const (
	SourceMic SourceKind = iota
	SourceSystem
)

// String returns the label used in logs and metrics
func (s SourceKind) String() string {
	switch s {
	case SourceMic:
		return "mic"
	case SourceSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Format describes interleaved PCM audio
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the s16le byte rate of the format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// SamplesFor returns the interleaved sample count covering d
func (f Format) SamplesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.Channels
}

// AudioChunk is one block of captured audio. Exactly one of Samples or
// Float is populated. Chunks are not modified after they are produced.
type AudioChunk struct {
	Source SourceKind
	// Timestamp is the monotonic offset of the first frame from session start
	Timestamp  time.Duration
	SampleRate int
	Channels   int
	Samples    []int16
	Float      []float32
}

// Format returns the chunk's PCM format
func (c AudioChunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Len returns the interleaved sample count
func (c AudioChunk) Len() int {
	if c.Float != nil {
		return len(c.Float)
	}
	return len(c.Samples)
}

// Frames returns the number of sample frames (samples per channel)
func (c AudioChunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return c.Len() / c.Channels
}

// Duration returns the playback length of the chunk
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// End returns the timestamp just past the last frame
func (c AudioChunk) End() time.Duration {
	return c.Timestamp + c.Duration()
}

// PCM16 returns the samples as signed 16-bit, converting float input
func (c AudioChunk) PCM16() []int16 {
	if c.Float != nil {
		return FloatToInt16(c.Float)
	}
	return c.Samples
}

// MixedFrame is one quantum of post-mix audio delivered to every sink
type MixedFrame struct {
	Index      int64
	Timestamp  time.Duration
	SampleRate int
	Channels   int
	Samples    []int16
}

// Duration returns the frame length
func (f MixedFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)/f.Channels) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the frame as little-endian signed 16-bit PCM
func (f MixedFrame) Bytes() []byte {
	return Int16ToBytes(f.Samples)
}

// Int16ToBytes encodes samples as little-endian PCM
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes little-endian PCM; a trailing odd byte is ignored
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
