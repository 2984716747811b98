// Package device provides capture devices: the OS devices through miniaudio
// and a synthetic tone generator for tests and dry runs.
package device

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/capture"
)

// Info describes an enumerable capture device
type Info struct {
	ID        string
	Name      string
	IsDefault bool
}

// Tone is a synthetic device producing a sine wave in real time.
// A zero Frequency produces silence.
type Tone struct {
	Format    audio.Format
	Frequency float64
	Amplitude float64       // 0..1 of full scale
	Interval  time.Duration // callback period, defaults to 10ms
	OpenDelay time.Duration
	Clock     clock.Clock

	mu      sync.Mutex
	streams []*toneStream
}

// Open returns a stream; OpenDelay simulates slow hardware initialization
func (t *Tone) Open(ctx context.Context, sel capture.Selector, onFrames capture.FrameFunc) (capture.Stream, error) {
	clk := t.Clock
	if clk == nil {
		clk = clock.New()
	}
	if t.OpenDelay > 0 {
		timer := clk.Timer(t.OpenDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	interval := t.Interval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	stream := &toneStream{
		format:    t.Format,
		frequency: t.Frequency,
		amplitude: t.Amplitude,
		interval:  interval,
		clock:     clk,
		onFrames:  onFrames,
		lost:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	t.streams = append(t.streams, stream)
	t.mu.Unlock()
	return stream, nil
}

// Interrupt simulates unplugging the most recently opened stream
func (t *Tone) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return
	}
	t.streams[len(t.streams)-1].interrupt()
}

// Opens returns how many streams have been opened
func (t *Tone) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

type toneStream struct {
	format    audio.Format
	frequency float64
	amplitude float64
	interval  time.Duration
	clock     clock.Clock
	onFrames  capture.FrameFunc

	phase    float64
	lost     chan struct{}
	lostOnce sync.Once
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *toneStream) Start() error {
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *toneStream) run() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	buf := make([]int16, s.format.SamplesFor(s.interval))
	for {
		select {
		case <-s.done:
			return
		case <-s.lost:
			return
		case <-ticker.C:
			s.fill(buf)
			s.onFrames(buf)
		}
	}
}

func (s *toneStream) fill(buf []int16) {
	channels := s.format.Channels
	if channels <= 0 {
		return
	}
	step := 2 * math.Pi * s.frequency / float64(s.format.SampleRate)
	for f := 0; f < len(buf)/channels; f++ {
		v := int16(s.amplitude * math.MaxInt16 * math.Sin(s.phase))
		for c := 0; c < channels; c++ {
			buf[f*channels+c] = v
		}
		s.phase = math.Mod(s.phase+step, 2*math.Pi)
	}
}

func (s *toneStream) interrupt() {
	s.lostOnce.Do(func() { close(s.lost) })
}

func (s *toneStream) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *toneStream) Format() audio.Format  { return s.format }
func (s *toneStream) Lost() <-chan struct{} { return s.lost }
