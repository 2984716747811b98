// Package session wires capture, mixing, sinks and live transcription into
// one recording and tears them down in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/capture"
	"github.com/lexiqai/livescribe/internal/mixer"
	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/realtime"
	"github.com/lexiqai/livescribe/internal/sink"
	"github.com/lexiqai/livescribe/internal/transcript"
)

// SourceSpec selects one input and the device that provides it
type SourceSpec struct {
	Selector capture.Selector
	Device   capture.Device
	Gain     float64
}

// Options configures a session
type Options struct {
	Format         audio.Format
	Quantum        time.Duration
	StallThreshold time.Duration
	Latency        time.Duration
	RingCapacity   int
	SinkQueueSize  int
	Capture        capture.Config
	Sources        []SourceSpec

	// RecordingPath enables the WAV file sink
	RecordingPath string

	// Transcriber enables live transcription
	Transcriber realtime.Transcriber
	Credentials realtime.Credentials
	Stream      realtime.StreamConfig

	// LevelWindow enables the level meter when positive
	LevelWindow time.Duration
	Activity    audio.ActivityConfig

	Clock clock.Clock
}

// Summary describes a finished session
type Summary struct {
	ID            string
	Duration      time.Duration
	Frames        int64
	RecordingPath string
	RecordedBytes int64
	Transcript    transcript.Snapshot
	FinalText     string
	FormattedText string
	Health        mixer.Health
	Drops         map[string]uint64
}

// Health is the live session state used by readiness checks
type Health struct {
	Running  bool
	Mixer    mixer.Health
	Realtime realtime.State
	Live     bool
}

type sourceRuntime struct {
	spec    SourceSpec
	ring    *audio.ChunkRing
	capture *capture.Capture
}

// Session runs one recording
type Session struct {
	id      string
	opts    Options
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics
	dropLog *rate.Limiter

	mu        sync.Mutex
	running   bool
	stopped   bool
	epoch     time.Time
	sources   []*sourceRuntime
	mixer     *mixer.Mixer
	fanout    *sink.FanOut
	file      *sink.FileWriter
	meter     *sink.LevelMeter
	live      bool
	rtState   realtime.State
	assembler *transcript.Assembler

	group       *errgroup.Group
	groupCtx    context.Context
	cancelAll   context.CancelFunc
	cancelMixer context.CancelFunc
	mixerDone   chan struct{}
	fanoutDone  chan struct{}

	events chan Event
}

// New validates opts and creates an idle session
func New(opts Options, logger zerolog.Logger, metrics *observability.Metrics) (*Session, error) {
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("session needs at least one source")
	}
	seen := make(map[audio.SourceKind]bool)
	for _, src := range opts.Sources {
		if src.Device == nil {
			return nil, fmt.Errorf("no device for %s source", src.Selector.Source)
		}
		if seen[src.Selector.Source] {
			return nil, fmt.Errorf("duplicate %s source", src.Selector.Source)
		}
		seen[src.Selector.Source] = true
	}
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = 200
	}
	if opts.SinkQueueSize <= 0 {
		opts.SinkQueueSize = 512
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if opts.Capture.Clock == nil {
		opts.Capture.Clock = clk
	}

	id := observability.NewSessionID()
	return &Session{
		id:        id,
		opts:      opts,
		clock:     clk,
		logger:    logger.With().Str("session_id", id).Logger(),
		metrics:   metrics,
		dropLog:   rate.NewLimiter(rate.Every(5*time.Second), 1),
		assembler: transcript.NewAssembler(),
		events:    make(chan Event, 256),
	}, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Events carries status, transcript, level and error updates. It is closed
// when Stop returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Start opens every source, starts the mixer and sinks, and connects the
// transcriber. A failed transcriber connection is reported as an event and
// the recording continues without live transcription.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("session %s cannot be started again", s.id)
	}
	s.running = true
	s.epoch = s.clock.Now()
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.abort()
		return err
	}

	s.metrics.RecordSessionStart()
	s.logger.Info().
		Int("sources", len(s.opts.Sources)).
		Int("sample_rate", s.opts.Format.SampleRate).
		Int("channels", s.opts.Format.Channels).
		Str("recording", s.opts.RecordingPath).
		Bool("live", s.live).
		Msg("Session started")
	return nil
}

func (s *Session) start(ctx context.Context) error {
	groupCtx, cancelAll := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(groupCtx)
	s.group, s.groupCtx, s.cancelAll = group, groupCtx, cancelAll

	mixSources := make([]mixer.Source, 0, len(s.opts.Sources))
	for _, spec := range s.opts.Sources {
		rt := &sourceRuntime{spec: spec, ring: audio.NewChunkRing(s.opts.RingCapacity)}
		rt.capture = s.newCapture(rt)
		if err := rt.capture.Start(ctx, spec.Selector); err != nil {
			return fmt.Errorf("failed to start %s capture: %w", spec.Selector.Source, err)
		}
		s.sources = append(s.sources, rt)
		s.watchCapture(rt.capture)

		gain := spec.Gain
		if gain == 0 {
			gain = 1
		}
		mixSources = append(mixSources, mixer.Source{Kind: spec.Selector.Source, Ring: rt.ring, Gain: gain})
	}

	mix, err := mixer.New(mixer.Config{
		Format:         s.opts.Format,
		Quantum:        s.opts.Quantum,
		StallThreshold: s.opts.StallThreshold,
		Latency:        s.opts.Latency,
		Epoch:          s.epoch,
		Clock:          s.clock,
	}, mixSources, observability.WithComponent(s.logger, "mixer"), s.metrics)
	if err != nil {
		return err
	}
	s.mixer = mix
	s.fanout = sink.NewFanOut(observability.WithComponent(s.logger, "fanout"), s.metrics)

	if s.opts.RecordingPath != "" {
		fw, err := sink.NewFileWriter(s.opts.RecordingPath, s.opts.Format)
		if err != nil {
			return err
		}
		s.file = fw
		if err := s.fanout.Attach(fw, s.opts.SinkQueueSize); err != nil {
			fw.Close()
			return err
		}
	}

	if s.opts.LevelWindow > 0 {
		s.meter = sink.NewLevelMeter(s.opts.LevelWindow, s.opts.Activity)
		if err := s.fanout.Attach(s.meter, s.opts.SinkQueueSize); err != nil {
			return err
		}
		meter := s.meter
		group.Go(func() error {
			for level := range meter.Levels() {
				s.emit(Event{Kind: EventLevel, Level: level})
			}
			return nil
		})
	}

	if s.opts.Transcriber != nil {
		s.startLive(ctx)
	}

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case err := <-s.fanout.Errors():
				s.emit(Event{Kind: EventError, Err: err, Component: "sink"})
			}
		}
	})

	mixerCtx, cancelMixer := context.WithCancel(groupCtx)
	s.cancelMixer = cancelMixer
	s.mixerDone = make(chan struct{})
	s.fanoutDone = make(chan struct{})
	group.Go(func() error {
		defer close(s.mixerDone)
		return s.mixer.Run(mixerCtx)
	})
	group.Go(func() error {
		defer close(s.fanoutDone)
		return s.fanout.Run(groupCtx, s.mixer.Frames())
	})
	return nil
}

// startLive connects the transcriber and attaches the realtime encoder
func (s *Session) startLive(ctx context.Context) {
	tr := s.opts.Transcriber
	s.group.Go(func() error {
		s.forwardTranscriber(s.groupCtx, tr)
		return nil
	})

	if err := tr.Connect(ctx, s.opts.Credentials, s.opts.Stream); err != nil {
		s.logger.Error().Err(err).Msg("Live transcription unavailable, recording continues")
		s.emit(Event{Kind: EventError, Err: err, Component: "realtime"})
		return
	}

	encoding := s.opts.Stream.AudioFormat
	if encoding == "" {
		encoding = sink.EncodingPCM16
	}
	enc, err := sink.NewRealtimeEncoder(tr, encoding, s.metrics)
	if err == nil {
		err = s.fanout.Attach(enc, s.opts.SinkQueueSize)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to attach realtime encoder")
		s.emit(Event{Kind: EventError, Err: err, Component: "realtime"})
		return
	}

	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
}

func (s *Session) newCapture(rt *sourceRuntime) *capture.Capture {
	logger := observability.WithComponent(s.logger, "capture").With().
		Str("source", rt.spec.Selector.Source.String()).Logger()
	return capture.New(rt.spec.Device, rt.ring, s.epoch, s.opts.Capture, logger, s.metrics)
}

func (s *Session) watchCapture(c *capture.Capture) {
	s.group.Go(func() error {
		for {
			select {
			case <-s.groupCtx.Done():
				return nil
			case err := <-c.Errors():
				s.emit(Event{Kind: EventError, Err: err, Component: "capture"})
			}
		}
	})
}

func (s *Session) forwardTranscriber(ctx context.Context, tr realtime.Transcriber) {
	for {
		select {
		case <-ctx.Done():
			// Tokens that arrived before finalize completed still count
			for {
				select {
				case batch := <-tr.Tokens():
					s.applyTokens(batch)
				default:
					return
				}
			}
		case batch := <-tr.Tokens():
			s.applyTokens(batch)
		case status := <-tr.Status():
			s.mu.Lock()
			s.rtState = status.State
			s.mu.Unlock()
			s.logger.Info().Str("status", status.String()).Msg("Realtime status changed")
			s.emit(Event{Kind: EventStatus, Status: status})
		case err := <-tr.Errors():
			s.emit(Event{Kind: EventError, Err: err, Component: "realtime"})
		}
	}
}

func (s *Session) applyTokens(batch []transcript.Token) {
	s.mu.Lock()
	s.assembler.Apply(batch)
	snapshot := s.assembler.Snapshot()
	s.mu.Unlock()
	s.emit(Event{Kind: EventTranscript, Transcript: snapshot})
}

// emit never blocks the pipeline; a collaborator that stops reading misses
// events
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		if s.dropLog.Allow() {
			s.logger.Warn().Str("kind", ev.Kind.String()).Msg("Event channel full, dropping event")
		}
	}
}

// Reconfigure re-opens the given sources, for example after the user picks
// another device. The ring buffers and the session timeline are kept, so
// the mixer sees one continuous stream per source.
func (s *Session) Reconfigure(ctx context.Context, specs []SourceSpec) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("session %s is not running", s.id)
	}
	s.mu.Unlock()

	for _, spec := range specs {
		rt := s.sourceFor(spec.Selector.Source)
		if rt == nil {
			return fmt.Errorf("session has no %s source", spec.Selector.Source)
		}
		if spec.Device == nil {
			spec.Device = rt.spec.Device
		}

		if _, err := rt.capture.Stop(); err != nil {
			s.logger.Warn().Err(err).Str("source", spec.Selector.Source.String()).Msg("Error stopping capture for reconfiguration")
		}

		next := &sourceRuntime{spec: spec, ring: rt.ring}
		next.capture = s.newCapture(next)
		if err := next.capture.Start(ctx, spec.Selector); err != nil {
			s.emit(Event{Kind: EventError, Err: err, Component: "capture"})
			return fmt.Errorf("failed to reconfigure %s capture: %w", spec.Selector.Source, err)
		}
		if spec.Gain != 0 && spec.Gain != rt.spec.Gain {
			s.mixer.SetGain(spec.Selector.Source, spec.Gain)
		}

		s.mu.Lock()
		rt.spec = spec
		rt.capture = next.capture
		s.mu.Unlock()
		s.watchCapture(next.capture)

		s.logger.Info().
			Str("source", spec.Selector.Source.String()).
			Str("device", spec.Selector.DeviceID).
			Msg("Source reconfigured")
	}
	return nil
}

func (s *Session) sourceFor(kind audio.SourceKind) *sourceRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.sources {
		if rt.spec.Selector.Source == kind {
			return rt
		}
	}
	return nil
}

// Stop tears the pipeline down in order: captures, mixer flush, sinks,
// transcriber finalize, disconnect. The recording holds every quantum up to
// the moment Stop was called.
func (s *Session) Stop(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s is not running", s.id)
	}
	s.running = false
	s.stopped = true
	end := s.clock.Since(s.epoch)
	sources := append([]*sourceRuntime(nil), s.sources...)
	live := s.live
	s.mu.Unlock()

	var errs []error

	for _, rt := range sources {
		c := s.captureOf(rt)
		if _, err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	s.cancelMixer()
	<-s.mixerDone
	if err := s.mixer.Flush(ctx, end); err != nil {
		errs = append(errs, err)
	}

	select {
	case <-s.fanoutDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("fan-out did not finish: %w", ctx.Err()))
	}
	drops := s.fanout.Drops()
	if err := s.fanout.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if tr := s.opts.Transcriber; tr != nil {
		if live {
			if err := tr.Finalize(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Finalize did not complete")
				if apperr.KindOf(err) != apperr.KindTimeout {
					errs = append(errs, err)
				}
			}
		}
		if err := tr.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}

	s.cancelAll()
	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	s.metrics.RecordSessionEnd()

	summary := s.summarize(end)
	summary.Drops = drops
	close(s.events)

	s.logger.Info().
		Dur("duration", summary.Duration).
		Int64("frames", summary.Frames).
		Int64("recorded_bytes", summary.RecordedBytes).
		Int("words", summary.Transcript.WordCount).
		Msg("Session stopped")
	return summary, errors.Join(errs...)
}

func (s *Session) captureOf(rt *sourceRuntime) *capture.Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rt.capture
}

func (s *Session) summarize(end time.Duration) *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := &Summary{
		ID:            s.id,
		Duration:      end,
		Transcript:    s.assembler.Snapshot(),
		FinalText:     s.assembler.FinalText(),
		FormattedText: s.assembler.FormattedText(),
		Health:        s.mixer.Health(),
	}
	summary.Frames = summary.Health.Frames
	if s.file != nil {
		summary.RecordingPath = s.file.Path()
		summary.RecordedBytes = s.file.DataBytes()
	}
	return summary
}

// abort releases whatever a failed Start created
func (s *Session) abort() {
	for _, rt := range s.sources {
		rt.capture.Stop()
	}
	if s.cancelAll != nil {
		s.cancelAll()
	}
	if s.fanout != nil {
		s.fanout.Close(context.Background())
	}
	if s.opts.Transcriber != nil {
		s.opts.Transcriber.Disconnect()
	}
	if s.group != nil {
		s.group.Wait()
	}

	s.mu.Lock()
	s.running = false
	s.stopped = true
	s.mu.Unlock()
	close(s.events)
}

// Transcript returns the current live transcript
func (s *Session) Transcript() transcript.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assembler.Snapshot()
}

// Health reports mixer and connection state
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{Running: s.running, Realtime: s.rtState, Live: s.live}
	if s.mixer != nil {
		h.Mixer = s.mixer.Health()
	}
	return h
}

// RecordingPath returns the WAV path for a session started at t
func RecordingPath(dir string, t time.Time) string {
	return filepath.Join(dir, "livescribe-"+t.Format("20060102-150405")+".wav")
}
