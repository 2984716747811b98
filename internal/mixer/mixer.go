// Package mixer combines per-source ring buffers into a single clocked
// stream of fixed-quantum frames.
package mixer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/observability"
)

// Source binds a ring buffer to a gain
type Source struct {
	Kind audio.SourceKind
	Ring *audio.ChunkRing
	Gain float64
}

// Config holds mixer settings
type Config struct {
	Format         audio.Format  // Output format
	Quantum        time.Duration // Length of one mixed frame
	StallThreshold time.Duration // Silence after which a source is marked inactive
	Latency        time.Duration // How far mixing trails the session clock in Run
	OutputBuffer   int           // Capacity of the Frames channel
	Epoch          time.Time     // Session start, shared with capture
	Clock          clock.Clock
}

// SourceHealth is per-source mixer telemetry
type SourceHealth struct {
	Underflows uint64 // quanta filled with substituted silence
	Overflows  uint64 // chunks dropped by the ring buffer
	LateFrames int64  // frames that arrived after their quantum was mixed
	Active     bool
	Buffered   int // chunks waiting in the ring
}

// Health is a snapshot of mixer telemetry
type Health struct {
	Sources      map[audio.SourceKind]SourceHealth
	MaxSyncDelta time.Duration
	Frames       int64
}

type sourceState struct {
	Source

	resampler *audio.Resampler
	inFormat  audio.Format

	staged   []int16 // output-format samples starting at start
	start    int64   // timeline position of staged[0], in output frames
	anchored bool
	lastEnd  int64 // end position of the newest ingested chunk
	hasData  bool

	active     bool
	underflows uint64
	late       int64
}

// Mixer emits one MixedFrame per quantum for the whole session
type Mixer struct {
	config  Config
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics

	quantumFrames int64
	stallFrames   int64
	gapTolerance  int64

	mu       sync.Mutex
	sources  []*sourceState
	next     int64 // index of the next quantum to mix
	maxSync  time.Duration
	acc      []int32
	pending  []audio.AudioChunk
	out      chan audio.MixedFrame
	closed   bool
	flushed  bool
}

// New creates a mixer over the given sources
func New(config Config, sources []Source, logger zerolog.Logger, metrics *observability.Metrics) (*Mixer, error) {
	if config.Format.SampleRate <= 0 || config.Format.Channels <= 0 {
		return nil, fmt.Errorf("invalid output format: %+v", config.Format)
	}
	if config.Quantum <= 0 {
		return nil, fmt.Errorf("quantum must be positive, got %v", config.Quantum)
	}
	quantumFrames := int64(config.Format.SampleRate) * int64(config.Quantum) / int64(time.Second)
	if quantumFrames <= 0 || int64(time.Duration(quantumFrames)*time.Second/time.Duration(config.Format.SampleRate)) != int64(config.Quantum) {
		return nil, fmt.Errorf("quantum %v does not yield whole frames at %d Hz", config.Quantum, config.Format.SampleRate)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("mixer needs at least one source")
	}
	if config.StallThreshold < config.Quantum {
		config.StallThreshold = time.Second
	}
	if config.OutputBuffer <= 0 {
		config.OutputBuffer = 256
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	if config.Epoch.IsZero() {
		config.Epoch = clk.Now()
	}

	m := &Mixer{
		config:        config,
		clock:         clk,
		logger:        logger,
		metrics:       metrics,
		quantumFrames: quantumFrames,
		stallFrames:   int64(config.Format.SampleRate) * int64(config.StallThreshold) / int64(time.Second),
		gapTolerance:  quantumFrames / 4,
		acc:           make([]int32, int(quantumFrames)*config.Format.Channels),
		out:           make(chan audio.MixedFrame, config.OutputBuffer),
	}
	if m.gapTolerance < 2 {
		m.gapTolerance = 2
	}
	for _, src := range sources {
		if src.Ring == nil {
			return nil, fmt.Errorf("source %s has no ring buffer", src.Kind)
		}
		m.sources = append(m.sources, &sourceState{Source: src, active: true})
	}
	return m, nil
}

// Frames returns the post-mix stream. It is closed by Flush.
func (m *Mixer) Frames() <-chan audio.MixedFrame {
	return m.out
}

// Run mixes on every clock tick until ctx is done. Quanta that fell behind
// the clock are mixed back to back, so no quantum is skipped.
func (m *Mixer) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.config.Quantum)
	defer ticker.Stop()

	m.logger.Info().
		Dur("quantum", m.config.Quantum).
		Int("sample_rate", m.config.Format.SampleRate).
		Int("channels", m.config.Format.Channels).
		Int("sources", len(m.sources)).
		Msg("Mixer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			target := m.clock.Since(m.config.Epoch) - m.config.Latency
			for m.nextEnd() <= target {
				frame, ok := m.step()
				if !ok {
					return nil
				}
				select {
				case m.out <- frame:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (m *Mixer) nextEnd() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionToTime((m.next + 1) * m.quantumFrames)
}

// step mixes the next quantum unless the mixer was flushed
func (m *Mixer) step() (audio.MixedFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return audio.MixedFrame{}, false
	}
	return m.mixLocked(), true
}

// Tick mixes and returns the next quantum without publishing it
func (m *Mixer) Tick() audio.MixedFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mixLocked()
}

// Flush drains every ring and publishes frames until the quantum containing
// end has been emitted, then closes Frames. Run must have returned.
func (m *Mixer) Flush(ctx context.Context, end time.Duration) error {
	m.mu.Lock()
	if m.flushed {
		m.mu.Unlock()
		return nil
	}
	m.flushed = true

	for _, st := range m.sources {
		m.pending = st.Ring.Drain(m.pending[:0])
		for _, chunk := range m.pending {
			m.ingest(st, chunk)
		}
		m.flushResampler(st)
	}

	endFrames := m.timeToPosition(end)
	if end > 0 && m.positionToTime(endFrames) < end {
		endFrames++
	}

	var frames []audio.MixedFrame
	for m.next*m.quantumFrames < endFrames {
		frames = append(frames, m.mixLocked())
	}
	m.closed = true
	m.mu.Unlock()

	defer close(m.out)
	for _, frame := range frames {
		select {
		case m.out <- frame:
		case <-ctx.Done():
			return fmt.Errorf("mixer flush interrupted: %w", ctx.Err())
		}
	}

	m.logger.Info().Int("flushed_frames", len(frames)).Dur("end", end).Msg("Mixer flushed")
	return nil
}

func (m *Mixer) positionToTime(pos int64) time.Duration {
	return time.Duration(pos) * time.Second / time.Duration(m.config.Format.SampleRate)
}

func (m *Mixer) timeToPosition(d time.Duration) int64 {
	return int64(d) * int64(m.config.Format.SampleRate) / int64(time.Second)
}

// mixLocked produces quantum m.next and advances the clock
func (m *Mixer) mixLocked() audio.MixedFrame {
	channels := m.config.Format.Channels
	start := m.next * m.quantumFrames
	end := start + m.quantumFrames
	deadline := m.positionToTime(end)

	for i := range m.acc {
		m.acc[i] = 0
	}

	for _, st := range m.sources {
		m.pending = st.Ring.PopBefore(deadline, m.pending[:0])
		for _, chunk := range m.pending {
			m.ingest(st, chunk)
		}

		if m.take(st, start) {
			continue
		}

		if !st.active {
			continue
		}
		silentFrom := st.lastEnd
		if !st.hasData {
			silentFrom = 0
		}
		if end-silentFrom >= m.stallFrames {
			st.active = false
			m.logger.Warn().
				Str("source", st.Kind.String()).
				Dur("silent_for", m.positionToTime(end-silentFrom)).
				Msg("Source stalled, marking inactive")
			continue
		}
		st.underflows++
		m.metrics.RecordUnderflow(st.Kind.String())
	}

	samples := make([]int16, len(m.acc))
	for i, v := range m.acc {
		samples[i] = audio.Clamp16(v)
	}

	m.recordSync()

	frame := audio.MixedFrame{
		Index:      m.next,
		Timestamp:  m.positionToTime(start),
		SampleRate: m.config.Format.SampleRate,
		Channels:   channels,
		Samples:    samples,
	}
	m.next++
	m.metrics.RecordFrame()
	return frame
}

// ingest converts a chunk to the output format and places it on the
// source's staged timeline, filling gaps with silence
func (m *Mixer) ingest(st *sourceState, chunk audio.AudioChunk) {
	out := m.config.Format
	if chunk.SampleRate <= 0 || chunk.Channels <= 0 {
		return
	}

	pos := m.timeToPosition(chunk.Timestamp)
	stagedEnd := st.start + int64(len(st.staged)/out.Channels)
	discontinuous := !st.anchored || pos > stagedEnd+m.gapTolerance

	inFormat := chunk.Format()
	if st.resampler != nil && (inFormat != st.inFormat || discontinuous) {
		// The previous stream ends here: its tail belongs before any gap
		if m.flushResampler(st) {
			stagedEnd = st.start + int64(len(st.staged)/out.Channels)
		}
	}
	if st.resampler == nil || inFormat.SampleRate != st.inFormat.SampleRate {
		st.resampler = audio.NewResampler(inFormat.SampleRate, out.SampleRate, out.Channels)
	}
	st.inFormat = inFormat
	samples := audio.Remix(chunk.PCM16(), inFormat.Channels, out.Channels)
	samples = st.resampler.Process(samples)

	switch {
	case !st.anchored:
		st.start = pos
		st.anchored = true
	case pos > stagedEnd+m.gapTolerance:
		gap := int(pos-stagedEnd) * out.Channels
		st.staged = append(st.staged, make([]int16, gap)...)
	case len(st.staged) == 0 && pos+m.gapTolerance < st.start:
		// The chunk starts inside quanta that were already mixed
		late := int(st.start-pos) * out.Channels
		if late > len(samples) {
			late = len(samples)
		}
		st.late += int64(late / out.Channels)
		samples = samples[late:]
	}
	st.staged = append(st.staged, samples...)

	chunkEnd := st.start + int64(len(st.staged)/out.Channels)
	if chunkEnd > st.lastEnd {
		st.lastEnd = chunkEnd
	}
	st.hasData = true

	if !st.active {
		st.active = true
		m.logger.Info().Str("source", st.Kind.String()).Msg("Source resumed")
	}
}

// flushResampler stages the samples the resampler still owes for the end
// of its stream and resets it. It reports whether anything was staged.
func (m *Mixer) flushResampler(st *sourceState) bool {
	if st.resampler == nil {
		return false
	}
	tail := st.resampler.Flush()
	if len(tail) == 0 || !st.anchored {
		return false
	}
	st.staged = append(st.staged, tail...)
	if end := st.start + int64(len(st.staged)/m.config.Format.Channels); end > st.lastEnd {
		st.lastEnd = end
	}
	return true
}

// take adds the source's staged audio for quantum [start, start+q) into the
// accumulator. It reports whether the source contributed any frame.
func (m *Mixer) take(st *sourceState, start int64) bool {
	if !st.anchored {
		return false
	}
	channels := m.config.Format.Channels

	// Audio for quanta already mixed is dropped
	if st.start < start {
		stale := start - st.start
		have := int64(len(st.staged) / channels)
		if stale > have {
			stale = have
		}
		if stale > 0 {
			st.late += stale
			st.staged = st.staged[int(stale)*channels:]
		}
		st.start = start
	}

	offset := st.start - start
	if offset >= m.quantumFrames {
		return false
	}
	n := m.quantumFrames - offset
	if have := int64(len(st.staged) / channels); have < n {
		n = have
	}
	if n <= 0 {
		// Nothing staged: the read position moves on with the clock
		st.staged = nil
		st.start = start + m.quantumFrames
		return false
	}

	dst := m.acc[int(offset)*channels:]
	src := st.staged[:int(n)*channels]
	for i, s := range src {
		dst[i] += int32(float64(s) * st.Gain)
	}

	st.staged = st.staged[int(n)*channels:]
	st.start += n
	if len(st.staged) == 0 {
		st.staged = nil
		st.start = start + m.quantumFrames
	}
	return true
}

func (m *Mixer) recordSync() {
	var lo, hi int64
	seen := 0
	for _, st := range m.sources {
		if !st.active || !st.hasData {
			continue
		}
		if seen == 0 || st.lastEnd < lo {
			lo = st.lastEnd
		}
		if seen == 0 || st.lastEnd > hi {
			hi = st.lastEnd
		}
		seen++
	}
	if seen < 2 {
		return
	}
	delta := m.positionToTime(hi - lo)
	if delta > m.maxSync {
		m.maxSync = delta
	}
	m.metrics.RecordSyncDelta(delta)
}

// Health returns a snapshot of mixer telemetry
func (m *Mixer) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		Sources:      make(map[audio.SourceKind]SourceHealth, len(m.sources)),
		MaxSyncDelta: m.maxSync,
		Frames:       m.next,
	}
	for _, st := range m.sources {
		h.Sources[st.Kind] = SourceHealth{
			Underflows: st.underflows,
			Overflows:  st.Ring.Overflows(),
			LateFrames: st.late,
			Active:     st.active,
			Buffered:   st.Ring.Len(),
		}
	}
	return h
}

// SetGain changes a source's gain from the next quantum on
func (m *Mixer) SetGain(kind audio.SourceKind, gain float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.sources {
		if st.Kind == kind {
			st.Gain = gain
		}
	}
}
