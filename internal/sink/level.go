package sink

import (
	"sync"
	"time"

	"github.com/lexiqai/livescribe/internal/audio"
)

// Level is one meter reading
type Level struct {
	Timestamp time.Duration
	Value     float64 // 0..1
	Speaking  bool
}

// LevelMeter publishes a normalized level per frame group for a HUD
type LevelMeter struct {
	window   time.Duration
	detector *audio.ActivityDetector

	mu      sync.Mutex
	pending []int16
	start   time.Duration
	elapsed time.Duration
	levels  chan Level
	closed  bool
}

// NewLevelMeter averages over window (one reading per window)
func NewLevelMeter(window time.Duration, activity audio.ActivityConfig) *LevelMeter {
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	return &LevelMeter{
		window:   window,
		detector: audio.NewActivityDetector(activity),
		levels:   make(chan Level, 32),
	}
}

func (l *LevelMeter) Name() string { return "level" }

func (l *LevelMeter) WriteFrame(frame audio.MixedFrame) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		l.start = frame.Timestamp
	}
	l.pending = append(l.pending, frame.Samples...)
	l.elapsed += frame.Duration()
	l.detector.Process(frame)

	if l.elapsed >= l.window {
		l.emitLocked()
	}
	return nil
}

func (l *LevelMeter) emitLocked() {
	reading := Level{
		Timestamp: l.start,
		Value:     audio.NormalizedLevel(l.pending),
		Speaking:  l.detector.IsSpeaking(),
	}
	l.pending = l.pending[:0]
	l.elapsed = 0

	// Readers that fall behind miss readings
	select {
	case l.levels <- reading:
	default:
	}
}

// Levels returns the reading stream; it is closed by Close
func (l *LevelMeter) Levels() <-chan Level {
	return l.levels
}

func (l *LevelMeter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if len(l.pending) > 0 {
		l.emitLocked()
	}
	l.closed = true
	close(l.levels)
	return nil
}
