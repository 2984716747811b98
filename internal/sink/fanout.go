// Package sink delivers the mixed stream to independent consumers: the WAV
// file, the realtime transcription encoder and the level meter.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/observability"
)

// Sink consumes mixed frames on its own goroutine
type Sink interface {
	Name() string
	WriteFrame(frame audio.MixedFrame) error
	Close() error
}

type worker struct {
	sink  Sink
	queue *frameQueue
	done  chan struct{}
	drops uint64
	err   error
}

// FanOut copies every mixed frame, in order, to each attached sink. A slow
// sink loses its own oldest frames and never stalls the others.
type FanOut struct {
	logger  zerolog.Logger
	metrics *observability.Metrics
	dropLog *rate.Limiter

	mu      sync.Mutex
	workers []*worker
	closed  bool
	errs    chan error
}

// NewFanOut creates an empty fan-out
func NewFanOut(logger zerolog.Logger, metrics *observability.Metrics) *FanOut {
	return &FanOut{
		logger:  logger,
		metrics: metrics,
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		errs:    make(chan error, 16),
	}
}

// Attach starts delivering frames to s through a queue of queueSize frames
func (f *FanOut) Attach(s Sink, queueSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("fan-out is closed")
	}
	for _, w := range f.workers {
		if w.sink.Name() == s.Name() {
			return fmt.Errorf("sink %q already attached", s.Name())
		}
	}

	w := &worker{
		sink:  s,
		queue: newFrameQueue(queueSize),
		done:  make(chan struct{}),
	}
	f.workers = append(f.workers, w)
	go f.drain(w)

	f.logger.Debug().Str("sink", s.Name()).Int("queue_size", queueSize).Msg("Sink attached")
	return nil
}

// Detach drains and closes the named sink
func (f *FanOut) Detach(name string) error {
	f.mu.Lock()
	var target *worker
	for i, w := range f.workers {
		if w.sink.Name() == name {
			target = w
			f.workers = append(f.workers[:i], f.workers[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	if target == nil {
		return fmt.Errorf("sink %q not attached", name)
	}
	target.queue.close()
	<-target.done
	return target.err
}

// Publish enqueues frame on every attached sink
func (f *FanOut) Publish(frame audio.MixedFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, w := range f.workers {
		if w.queue.push(frame) {
			w.drops++
			f.metrics.RecordSinkDrop(w.sink.Name())
			if f.dropLog.Allow() {
				f.logger.Warn().
					Str("sink", w.sink.Name()).
					Uint64("drops", w.drops).
					Msg("Sink queue full, dropping oldest frame")
			}
		}
	}
}

// Run publishes frames until the channel is closed or ctx is done
func (f *FanOut) Run(ctx context.Context, frames <-chan audio.MixedFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			f.Publish(frame)
		}
	}
}

func (f *FanOut) drain(w *worker) {
	defer close(w.done)

	failed := false
	for {
		frame, ok := w.queue.pop()
		if !ok {
			break
		}
		if failed {
			continue
		}
		if err := w.sink.WriteFrame(frame); err != nil {
			// A sink that failed once stops receiving frames
			failed = true
			w.err = fmt.Errorf("sink %s: %w", w.sink.Name(), err)
			f.logger.Error().Err(err).Str("sink", w.sink.Name()).Msg("Sink write failed")
			f.metrics.RecordError("sink", w.sink.Name())
			select {
			case f.errs <- w.err:
			default:
			}
		}
	}

	if err := w.sink.Close(); err != nil {
		w.err = errors.Join(w.err, fmt.Errorf("closing sink %s: %w", w.sink.Name(), err))
	}
}

// Close drains every queue, closes every sink and waits for the workers.
// Frames still queued when ctx expires are abandoned.
func (f *FanOut) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	workers := f.workers
	f.workers = nil
	f.mu.Unlock()

	for _, w := range workers {
		w.queue.close()
	}

	var errs []error
	for _, w := range workers {
		select {
		case <-w.done:
			if w.err != nil {
				errs = append(errs, w.err)
			}
		case <-ctx.Done():
			return fmt.Errorf("sink %s did not drain: %w", w.sink.Name(), ctx.Err())
		}
	}
	return errors.Join(errs...)
}

// Errors carries sink write failures
func (f *FanOut) Errors() <-chan error {
	return f.errs
}

// Drops returns the frames dropped per sink
func (f *FanOut) Drops() map[string]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	drops := make(map[string]uint64, len(f.workers))
	for _, w := range f.workers {
		drops[w.sink.Name()] = w.drops
	}
	return drops
}
