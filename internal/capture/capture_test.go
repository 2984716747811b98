package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/resilience"
)

type fakeStream struct {
	format   audio.Format
	lost     chan struct{}
	lostOnce sync.Once
	mu       sync.Mutex
	started  bool
	stopped  bool
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeStream) Format() audio.Format   { return s.format }
func (s *fakeStream) Lost() <-chan struct{} { return s.lost }

func (s *fakeStream) lose() {
	s.lostOnce.Do(func() { close(s.lost) })
}

type fakeDevice struct {
	mu       sync.Mutex
	opens    int
	block    bool
	failWith error
	streams  []*fakeStream
	callback FrameFunc
}

func (d *fakeDevice) Open(ctx context.Context, sel Selector, onFrames FrameFunc) (Stream, error) {
	d.mu.Lock()
	d.opens++
	block, failWith := d.block, d.failWith
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failWith != nil {
		return nil, failWith
	}

	stream := &fakeStream{format: audio.Format{SampleRate: 16000, Channels: 1}, lost: make(chan struct{})}
	d.mu.Lock()
	d.streams = append(d.streams, stream)
	d.callback = onFrames
	d.mu.Unlock()
	return stream, nil
}

func (d *fakeDevice) deliver(samples []int16) {
	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()
	cb(samples)
}

func (d *fakeDevice) latest() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

func (d *fakeDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func newTestCapture(device Device, ring *audio.ChunkRing, clk clock.Clock) *Capture {
	config := DefaultConfig()
	config.HardwareTimeout = 50 * time.Millisecond
	config.Clock = clk
	config.Retry = &resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}
	return New(device, ring, clk.Now(), config, zerolog.Nop(), observability.NewSessionMetrics("test"))
}

func TestCapture_ChunksAreStampedOnTimeline(t *testing.T) {
	device := &fakeDevice{}
	ring := audio.NewChunkRing(16)
	c := newTestCapture(device, ring, clock.New())

	if err := c.Start(context.Background(), Selector{Source: audio.SourceMic}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	// 25ms of audio in uneven callbacks yields two 10ms chunks
	device.deliver(make([]int16, 150))
	device.deliver(make([]int16, 250))

	chunks := ring.Drain(nil)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1].Timestamp-chunks[0].Timestamp != 10*time.Millisecond {
		t.Errorf("Expected chunks 10ms apart, got %v", chunks[1].Timestamp-chunks[0].Timestamp)
	}
	if chunks[0].Source != audio.SourceMic {
		t.Errorf("Expected mic source, got %s", chunks[0].Source)
	}
	if len(chunks[0].Samples) != 160 {
		t.Errorf("Expected 160 samples, got %d", len(chunks[0].Samples))
	}
}

func TestCapture_StopReturnsPartialChunk(t *testing.T) {
	device := &fakeDevice{}
	ring := audio.NewChunkRing(16)
	c := newTestCapture(device, ring, clock.New())

	if err := c.Start(context.Background(), Selector{Source: audio.SourceSystem}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.deliver(make([]int16, 200))

	final, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final == nil || len(final.Samples) != 40 {
		t.Fatalf("Expected a 40 sample final chunk, got %+v", final)
	}
	if ring.Len() != 2 {
		t.Errorf("Expected final chunk on the ring too, got %d entries", ring.Len())
	}
	if !device.latest().isStopped() {
		t.Error("Expected stream to be stopped")
	}
}

func TestCapture_HardwareTimeout(t *testing.T) {
	device := &fakeDevice{block: true}
	c := newTestCapture(device, audio.NewChunkRing(4), clock.New())

	err := c.Start(context.Background(), Selector{Source: audio.SourceMic})
	if apperr.KindOf(err) != apperr.KindHardware {
		t.Fatalf("Expected hardware error, got %v", err)
	}
	if apperr.CodeOf(err) != apperr.CodeHardwareTimeout {
		t.Errorf("Expected hardware_timeout, got %s", apperr.CodeOf(err))
	}
	if c.Running() {
		t.Error("Expected capture not to be running")
	}
}

func TestCapture_OpenFailureIsHardwareError(t *testing.T) {
	device := &fakeDevice{failWith: errors.New("no such device")}
	c := newTestCapture(device, audio.NewChunkRing(4), clock.New())

	err := c.Start(context.Background(), Selector{Source: audio.SourceMic, DeviceID: "USB Mic"})
	if apperr.CodeOf(err) != apperr.CodeDeviceUnavailable {
		t.Errorf("Expected device_unavailable, got %v", err)
	}
}

func TestCapture_ReacquiresLostDevice(t *testing.T) {
	device := &fakeDevice{}
	ring := audio.NewChunkRing(16)
	c := newTestCapture(device, ring, clock.New())

	if err := c.Start(context.Background(), Selector{Source: audio.SourceMic}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	first := device.latest()
	first.lose()

	deadline := time.Now().Add(2 * time.Second)
	for c.Reacquisitions() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if c.Reacquisitions() != 1 {
		t.Fatalf("Expected 1 reacquisition, got %d", c.Reacquisitions())
	}
	if device.openCount() != 2 {
		t.Errorf("Expected 2 opens, got %d", device.openCount())
	}
	if !first.isStopped() {
		t.Error("Expected lost stream to be stopped")
	}
	if device.latest() == first {
		t.Error("Expected a new stream after reacquisition")
	}
}

func TestCapture_PermissionDeniedSurfaces(t *testing.T) {
	device := &fakeDevice{}
	c := newTestCapture(device, audio.NewChunkRing(4), clock.New())

	if err := c.Start(context.Background(), Selector{Source: audio.SourceMic}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	device.mu.Lock()
	device.failWith = apperr.Hardware(apperr.CodePermissionDenied, "microphone access revoked", nil)
	device.mu.Unlock()
	device.latest().lose()

	select {
	case err := <-c.Errors():
		if apperr.CodeOf(err) != apperr.CodePermissionDenied {
			t.Errorf("Expected permission_denied, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected permission error to surface")
	}
	if device.openCount() != 2 {
		t.Errorf("Expected a single re-open attempt, got %d opens", device.openCount())
	}
}

func TestCapture_OverflowDropsOldest(t *testing.T) {
	device := &fakeDevice{}
	ring := audio.NewChunkRing(2)
	c := newTestCapture(device, ring, clock.New())

	if err := c.Start(context.Background(), Selector{Source: audio.SourceMic}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	for i := 0; i < 5; i++ {
		samples := make([]int16, 160)
		samples[0] = int16(i)
		device.deliver(samples)
	}

	if ring.Overflows() != 3 {
		t.Errorf("Expected 3 overflows, got %d", ring.Overflows())
	}
	chunks := ring.Drain(nil)
	if len(chunks) != 2 || chunks[0].Samples[0] != 3 || chunks[1].Samples[0] != 4 {
		t.Errorf("Expected newest two chunks to survive")
	}
}

func TestCapture_FrameCallbackDoesNotAllocate(t *testing.T) {
	device := &fakeDevice{}
	ring := audio.NewChunkRing(4)
	c := newTestCapture(device, ring, clock.NewMock())

	if err := c.Start(context.Background(), Selector{Source: audio.SourceMic}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	whole := make([]int16, 160)
	uneven := make([]int16, 75)
	allocs := testing.AllocsPerRun(200, func() {
		c.onFrames(whole)
		c.onFrames(uneven)
	})
	if allocs != 0 {
		t.Errorf("Expected no allocations per callback, got %v", allocs)
	}
}

func TestCapture_SlabKeepsRingChunksIntact(t *testing.T) {
	device := &fakeDevice{}
	ring := audio.NewChunkRing(3)
	c := newTestCapture(device, ring, clock.NewMock())

	if err := c.Start(context.Background(), Selector{Source: audio.SourceMic}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	// Wrap the slab several times; surviving chunks keep their own audio
	for i := 0; i < 100; i++ {
		samples := make([]int16, 160)
		for j := range samples {
			samples[j] = int16(i)
		}
		device.deliver(samples)
	}

	chunks := ring.Drain(nil)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		want := int16(97 + i)
		if chunk.Samples[0] != want || chunk.Samples[159] != want {
			t.Errorf("Chunk %d: expected samples of %d, got %d..%d", i, want, chunk.Samples[0], chunk.Samples[159])
		}
		if cap(chunk.Samples) != 160 {
			t.Errorf("Chunk %d: expected capacity limited to 160, got %d", i, cap(chunk.Samples))
		}
	}
}

func TestCapture_OverflowsReportedOffAudioThread(t *testing.T) {
	device := &fakeDevice{}
	ring := audio.NewChunkRing(2)
	c := newTestCapture(device, ring, clock.NewMock())

	if err := c.Start(context.Background(), Selector{Source: audio.SourceMic}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		device.deliver(make([]int16, 160))
	}
	if pending := c.overflows.Load(); pending != 3 {
		t.Errorf("Expected 3 overflows counted on the callback, got %d", pending)
	}

	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if pending := c.overflows.Load(); pending != 0 {
		t.Errorf("Expected overflows to be reported at Stop, got %d pending", pending)
	}
}
