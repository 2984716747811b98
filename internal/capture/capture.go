// Package capture acquires audio from one OS input and feeds a per-source
// ring buffer on a shared session timeline.
package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/resilience"
)

// Config holds per-source capture settings
type Config struct {
	HardwareTimeout time.Duration // Bound on device open before hardware_timeout
	ChunkDuration   time.Duration // Length of each chunk pushed to the ring
	Retry           *resilience.RetryConfig
	Clock           clock.Clock
}

// DefaultConfig returns the capture defaults
func DefaultConfig() Config {
	return Config{
		HardwareTimeout: 2 * time.Second,
		ChunkDuration:   10 * time.Millisecond,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       5,
			InitialBackoff:    250 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// glitchReportInterval is how often counters gathered on the audio thread
// are turned into metrics and log lines
const glitchReportInterval = time.Second

// slabSlack is the number of chunk buffers beyond ring capacity, covering
// chunks the mixer has popped but not yet copied
const slabSlack = 16

type openResult struct {
	stream Stream
	err    error
}

// Capture owns one device stream and pushes timestamped chunks onto a ring
type Capture struct {
	device  Device
	ring    *audio.ChunkRing
	config  Config
	clock   clock.Clock
	epoch   time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics

	glitchLog *rate.Limiter

	// Counted on the audio thread, reported by watch
	overflows atomic.Uint64
	partials  atomic.Uint64

	mu       sync.Mutex
	sel      Selector
	stream   Stream
	format   audio.Format
	staging  []int16 // capacity is exactly one chunk
	slab     *chunkSlab
	anchor   time.Duration // session offset of the current stream's first frame
	frames   int64         // frames delivered since anchor
	running  bool
	reacq    int
	errs     chan error
	cancel   context.CancelFunc
	watchers sync.WaitGroup
}

// New creates a capture that stamps chunks relative to epoch
func New(device Device, ring *audio.ChunkRing, epoch time.Time, config Config, logger zerolog.Logger, metrics *observability.Metrics) *Capture {
	defaults := DefaultConfig()
	if config.HardwareTimeout <= 0 {
		config.HardwareTimeout = defaults.HardwareTimeout
	}
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = defaults.ChunkDuration
	}
	if config.Retry == nil {
		config.Retry = defaults.Retry
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	if config.Retry.Clock == nil {
		retry := *config.Retry
		retry.Clock = clk
		config.Retry = &retry
	}

	return &Capture{
		device:    device,
		ring:      ring,
		config:    config,
		clock:     clk,
		epoch:     epoch,
		logger:    logger,
		metrics:   metrics,
		glitchLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		errs:      make(chan error, 8),
	}
}

// Start opens the selected device and begins capturing. The open races the
// hardware timeout; the loser is cancelled.
func (c *Capture) Start(ctx context.Context, sel Selector) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("capture for %s already running", c.sel.Source)
	}
	c.sel = sel
	c.mu.Unlock()

	stream, err := c.open(ctx, sel)
	if err != nil {
		return err
	}
	if err := c.begin(stream); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	c.watchers.Add(1)
	go c.watch(watchCtx)

	c.logger.Info().
		Str("source", sel.Source.String()).
		Str("device", sel.DeviceID).
		Int("sample_rate", stream.Format().SampleRate).
		Int("channels", stream.Format().Channels).
		Msg("Capture started")
	return nil
}

func (c *Capture) open(ctx context.Context, sel Selector) (Stream, error) {
	openCtx, cancel := context.WithCancel(ctx)
	result := make(chan openResult, 1)
	go func() {
		stream, err := c.device.Open(openCtx, sel, c.onFrames)
		result <- openResult{stream: stream, err: err}
	}()

	timer := c.clock.Timer(c.config.HardwareTimeout)
	defer timer.Stop()

	select {
	case r := <-result:
		cancel()
		if r.err != nil {
			return nil, classifyOpenError(r.err)
		}
		return r.stream, nil

	case <-timer.C:
		cancel()
		// A late stream must not leak
		go func() {
			if r := <-result; r.stream != nil {
				_ = r.stream.Stop()
			}
		}()
		return nil, apperr.Hardware(apperr.CodeHardwareTimeout,
			fmt.Sprintf("%s device did not initialize within %v", sel.Source, c.config.HardwareTimeout), nil)

	case <-ctx.Done():
		cancel()
		go func() {
			if r := <-result; r.stream != nil {
				_ = r.stream.Stop()
			}
		}()
		return nil, ctx.Err()
	}
}

func classifyOpenError(err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Hardware(apperr.CodeDeviceUnavailable, "failed to open capture device", err)
}

// begin anchors the new stream on the session timeline and starts it
func (c *Capture) begin(stream Stream) error {
	c.mu.Lock()
	c.stream = stream
	c.format = stream.Format()
	c.anchor = c.clock.Since(c.epoch)
	c.frames = 0
	chunkSamples := c.format.SamplesFor(c.config.ChunkDuration)
	c.staging = make([]int16, 0, chunkSamples)
	if c.slab == nil || c.slab.size != chunkSamples {
		c.slab = newChunkSlab(c.ring.Capacity()+slabSlack, chunkSamples)
	}
	c.mu.Unlock()

	if err := stream.Start(); err != nil {
		_ = stream.Stop()
		return apperr.Hardware(apperr.CodeDeviceUnavailable, "failed to start capture stream", err)
	}
	return nil
}

// onFrames runs on the OS audio thread: copy, stamp, push. It never blocks
// on I/O and never allocates.
func (c *Capture) onFrames(samples []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunkSamples := cap(c.staging)
	if chunkSamples == 0 || c.format.Channels <= 0 {
		return
	}
	if len(samples)%c.format.Channels != 0 {
		c.partials.Add(1)
	}

	for len(samples) > 0 {
		n := copy(c.staging[len(c.staging):chunkSamples], samples)
		c.staging = c.staging[:len(c.staging)+n]
		samples = samples[n:]
		if len(c.staging) == chunkSamples {
			c.emitLocked(chunkSamples)
		}
	}
}

// emitLocked moves n samples out of staging as one chunk
func (c *Capture) emitLocked(n int) audio.AudioChunk {
	samples := c.slab.take(n)
	copy(samples, c.staging[:n])
	remaining := copy(c.staging, c.staging[n:])
	c.staging = c.staging[:remaining]

	offset := time.Duration(c.frames) * time.Second / time.Duration(c.format.SampleRate)
	chunk := audio.AudioChunk{
		Source:     c.sel.Source,
		Timestamp:  c.anchor + offset,
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Samples:    samples,
	}
	c.frames += int64(n / c.format.Channels)

	if c.ring.Push(chunk) {
		c.overflows.Add(1)
	}
	return chunk
}

// reportGlitches publishes what the audio thread counted since the last call
func (c *Capture) reportGlitches(source string) {
	if n := c.overflows.Swap(0); n > 0 {
		c.metrics.RecordRingOverflow(source, int(n))
		if c.glitchLog.Allow() {
			c.logger.Warn().
				Str("source", source).
				Uint64("overflows", c.ring.Overflows()).
				Msg("Ring buffer full, dropping oldest chunks")
		}
	}
	if n := c.partials.Swap(0); n > 0 && c.glitchLog.Allow() {
		c.logger.Warn().
			Str("source", source).
			Uint64("callbacks", n).
			Msg("Partial frames from capture device")
	}
}

// watch re-acquires the device whenever the stream reports it was lost
func (c *Capture) watch(ctx context.Context) {
	defer c.watchers.Done()

	c.mu.Lock()
	source := c.sel.Source.String()
	c.mu.Unlock()
	defer c.reportGlitches(source)

	ticker := c.clock.Ticker(glitchReportInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportGlitches(source)
			continue
		case <-stream.Lost():
		}

		if err := c.reacquire(ctx, stream); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Str("source", c.sel.Source.String()).Msg("Failed to re-acquire capture device")
			c.metrics.RecordError(apperr.KindOf(err).String(), "capture")
			select {
			case c.errs <- err:
			default:
			}
			return
		}
	}
}

func (c *Capture) reacquire(ctx context.Context, lost Stream) error {
	c.logger.Warn().Str("source", c.sel.Source.String()).Msg("Capture device lost, re-acquiring")
	_ = lost.Stop()

	c.mu.Lock()
	// Samples of the old stream still staged belong to the old anchor
	if n := len(c.staging) - len(c.staging)%c.format.Channels; n > 0 {
		c.emitLocked(n)
	}
	c.stream = nil
	sel := c.sel
	c.mu.Unlock()

	return resilience.Retry(ctx, func(ctx context.Context) error {
		stream, err := c.open(ctx, sel)
		if err != nil {
			return err
		}
		if err := c.begin(stream); err != nil {
			return err
		}

		c.mu.Lock()
		c.reacq++
		c.mu.Unlock()
		c.metrics.RecordReacquisition(sel.Source.String())
		c.logger.Info().Str("source", sel.Source.String()).Msg("Capture device re-acquired")
		return nil
	}, c.config.Retry, resilience.IsRetryableNetworkError)
}

// Stop stops the stream and returns the final partial chunk, if any samples
// remained staged. That chunk is also pushed onto the ring.
func (c *Capture) Stop() (*audio.AudioChunk, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.watchers.Wait()

	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	var stopErr error
	if stream != nil {
		if err := stream.Stop(); err != nil {
			stopErr = fmt.Errorf("failed to stop %s stream: %w", c.sel.Source, err)
		}
	}

	c.mu.Lock()
	var final *audio.AudioChunk
	if c.format.Channels > 0 {
		if n := len(c.staging) - len(c.staging)%c.format.Channels; n > 0 {
			chunk := c.emitLocked(n)
			final = &chunk
		}
	}
	c.staging = c.staging[:0]
	source := c.sel.Source.String()
	reacq := c.reacq
	c.mu.Unlock()

	c.reportGlitches(source)
	c.logger.Info().Str("source", source).Int("reacquisitions", reacq).Msg("Capture stopped")
	return final, stopErr
}

// Errors carries failures that ended capture, such as exhausted re-acquisition
func (c *Capture) Errors() <-chan error {
	return c.errs
}

// Source returns the captured source kind
func (c *Capture) Source() audio.SourceKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel.Source
}

// Reacquisitions returns how many times the device was re-opened
func (c *Capture) Reacquisitions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reacq
}

// Running reports whether the capture is active
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// chunkSlab hands out chunk storage carved from one allocation. Slots are
// reused round robin, so a slot is rewritten only after the ring has
// evicted or the mixer has copied the chunk that held it.
type chunkSlab struct {
	buf   []int16
	size  int
	slots int
	next  int
}

func newChunkSlab(slots, size int) *chunkSlab {
	return &chunkSlab{buf: make([]int16, slots*size), size: size, slots: slots}
}

// take returns n <= size samples of storage
func (s *chunkSlab) take(n int) []int16 {
	off := s.next * s.size
	s.next = (s.next + 1) % s.slots
	return s.buf[off : off+n : off+n]
}
