package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/batch"
	"github.com/lexiqai/livescribe/internal/capture"
	"github.com/lexiqai/livescribe/internal/config"
	"github.com/lexiqai/livescribe/internal/device"
	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/realtime"
	"github.com/lexiqai/livescribe/internal/resilience"
	"github.com/lexiqai/livescribe/internal/server"
	"github.com/lexiqai/livescribe/internal/session"
)

type options struct {
	mode       string
	duration   time.Duration
	system     bool
	live       bool
	tone       bool
	batchAfter bool
	file       string
}

func main() {
	var opts options
	flag.StringVar(&opts.mode, "mode", "record", "record, batch or devices")
	flag.DurationVar(&opts.duration, "duration", 0, "stop recording after this long (0 waits for Ctrl-C)")
	flag.BoolVar(&opts.system, "system", false, "mix system audio with the microphone")
	flag.BoolVar(&opts.live, "live", true, "stream the mix for live transcription")
	flag.BoolVar(&opts.tone, "tone", false, "use synthetic tone devices instead of hardware")
	flag.BoolVar(&opts.batchAfter, "batch", false, "submit the recording for batch transcription after stopping")
	flag.StringVar(&opts.file, "file", "", "WAV file for -mode batch")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch opts.mode {
	case "record":
		err = record(ctx, cfg, opts, logger)
	case "batch":
		if opts.file == "" {
			err = fmt.Errorf("-file is required for batch mode")
			break
		}
		err = transcribeFile(ctx, cfg, opts.file, logger)
	case "devices":
		err = listDevices(cfg, logger)
	default:
		err = fmt.Errorf("unknown mode %q", opts.mode)
	}
	if err != nil {
		logger.Error().Err(err).Str("mode", opts.mode).Msg("livescribe failed")
		os.Exit(1)
	}
}

func outputFormat(cfg *config.Config) audio.Format {
	return audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
}

func record(ctx context.Context, cfg *config.Config, opts options, logger zerolog.Logger) error {
	format := outputFormat(cfg)
	metrics := observability.NewSessionMetrics("livescribe")

	var mic, system capture.Device
	if opts.tone {
		mic = &device.Tone{Format: format, Frequency: 440, Amplitude: 0.2}
		system = &device.Tone{Format: format, Frequency: 660, Amplitude: 0.1}
	} else {
		hw, err := device.NewMalgo(format, observability.WithComponent(logger, "device"))
		if err != nil {
			return err
		}
		defer hw.Close()
		mic, system = hw, hw
	}

	sources := []session.SourceSpec{{
		Selector: capture.Selector{Source: audio.SourceMic, DeviceID: cfg.MicDevice},
		Device:   mic,
		Gain:     cfg.MicGain,
	}}
	if opts.system || cfg.SystemDevice != "" {
		sources = append(sources, session.SourceSpec{
			Selector: capture.Selector{Source: audio.SourceSystem, DeviceID: cfg.SystemDevice},
			Device:   system,
			Gain:     cfg.SystemGain,
		})
	}

	started := time.Now()
	sessOpts := session.Options{
		Format:         format,
		Quantum:        cfg.MixQuantumDuration(),
		StallThreshold: cfg.StallThresholdDuration(),
		Latency:        cfg.MixLatencyDuration(),
		RingCapacity:   cfg.RingCapacity,
		SinkQueueSize:  cfg.SinkQueueSize,
		Capture: capture.Config{
			HardwareTimeout: cfg.HardwareTimeoutDuration(),
			ChunkDuration:   cfg.MixQuantumDuration(),
		},
		Sources:       sources,
		RecordingPath: session.RecordingPath(cfg.RecordingsDir, started),
		LevelWindow:   100 * time.Millisecond,
		Activity:      audio.DefaultActivityConfig(),
	}
	if opts.live {
		sessOpts.Transcriber = newTranscriber(cfg, logger, metrics)
		sessOpts.Credentials = realtime.Credentials{APIKey: cfg.RealtimeAPIKey()}
		sessOpts.Stream = realtime.StreamConfig{
			Model:             realtimeModel(cfg),
			AudioFormat:       cfg.AudioFormat,
			SampleRate:        cfg.SampleRate,
			Channels:          cfg.Channels,
			LanguageHints:     cfg.LanguageHints,
			EnableDiarization: cfg.EnableDiarization,
		}
	}

	sess, err := session.New(sessOpts, logger, metrics)
	if err != nil {
		return err
	}

	status := server.NewHTTPServer(cfg.Port, readinessChecks(sess), cfg.MetricsEnabled, logger)
	status.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status.Shutdown(shutdownCtx)
	}()

	var grpcHealth *server.GRPCHealth
	if cfg.GRPCPort != "" {
		grpcHealth, err = server.NewGRPCHealth(":"+cfg.GRPCPort, logger)
		if err != nil {
			return err
		}
		grpcHealth.Start()
		defer grpcHealth.Stop()
	}

	logger.Info().
		Str("session_id", sess.ID()).
		Str("provider", cfg.RealtimeProvider).
		Bool("live", opts.live).
		Bool("system_audio", len(sources) > 1).
		Str("recording", sessOpts.RecordingPath).
		Msg("livescribe starting")

	if err := sess.Start(ctx); err != nil {
		return err
	}
	if grpcHealth != nil {
		grpcHealth.SetSessionServing(true)
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(sess.Events(), logger)
	}()

	waitCtx := ctx
	if opts.duration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	<-waitCtx.Done()

	if grpcHealth != nil {
		grpcHealth.SetSessionServing(false)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, stopErr := sess.Stop(stopCtx)
	if summary == nil {
		return stopErr
	}
	<-printed
	if stopErr != nil {
		logger.Warn().Err(stopErr).Msg("Session stopped with errors")
	}

	fmt.Printf("\nRecorded %v (%d frames) to %s\n", summary.Duration.Round(time.Millisecond), summary.Frames, summary.RecordingPath)
	if summary.FormattedText != "" {
		fmt.Println(summary.FormattedText)
	}

	if opts.batchAfter {
		// The recording outlives the interrupt that ended it
		return transcribeFile(context.Background(), cfg, summary.RecordingPath, logger)
	}
	return nil
}

func printEvents(events <-chan session.Event, logger zerolog.Logger) {
	lastProvisional := ""
	for ev := range events {
		switch ev.Kind {
		case session.EventStatus:
			logger.Info().Str("status", ev.Status.String()).Msg("Realtime connection")
		case session.EventTranscript:
			if ev.Transcript.ProvisionalText != lastProvisional {
				lastProvisional = ev.Transcript.ProvisionalText
				fmt.Printf("\r… %s", lastProvisional)
			}
		case session.EventError:
			logger.Warn().Err(ev.Err).Str("component", ev.Component).Msg("Session error")
		case session.EventLevel:
			logger.Debug().Float64("level", ev.Level.Value).Bool("speaking", ev.Level.Speaking).Msg("Level")
		}
	}
}

func readinessChecks(sess *session.Session) map[string]observability.HealthCheckFunc {
	return map[string]observability.HealthCheckFunc{
		"mixer": func(ctx context.Context) (bool, interface{}, error) {
			h := sess.Health()
			if !h.Running {
				return false, nil, fmt.Errorf("session not running")
			}
			active := 0
			for _, src := range h.Mixer.Sources {
				if src.Active {
					active++
				}
			}
			return active > 0, h.Mixer, nil
		},
		"realtime": func(ctx context.Context) (bool, interface{}, error) {
			h := sess.Health()
			if !h.Live {
				return true, "disabled", nil
			}
			if h.Realtime == realtime.StateFailed {
				return false, h.Realtime.String(), fmt.Errorf("realtime connection failed")
			}
			return true, h.Realtime.String(), nil
		},
	}
}

func realtimeModel(cfg *config.Config) string {
	if cfg.RealtimeProvider == "deepgram" {
		return cfg.DeepgramModel
	}
	return cfg.RealtimeModel
}

func newTranscriber(cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) realtime.Transcriber {
	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Base:        cfg.ReconnectBase,
	}
	rtLogger := observability.WithComponent(logger, "realtime")

	if cfg.RealtimeProvider == "deepgram" {
		return realtime.NewDeepgramClient(realtime.DeepgramOptions{
			FinalizeTimeout: cfg.FinalizeTimeoutDuration(),
			Reconnect:       reconnect,
			Breaker: resilience.NewCircuitBreaker("deepgram",
				cfg.CircuitBreakerMaxFailures,
				time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
		}, rtLogger, metrics)
	}
	return realtime.NewClient(realtime.Options{
		URL:               cfg.RealtimeURL,
		FinalizeTimeout:   cfg.FinalizeTimeoutDuration(),
		KeepaliveInterval: cfg.KeepaliveDuration(),
		Reconnect:         reconnect,
	}, rtLogger, metrics)
}

func newBatchBackend(cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) batch.Backend {
	breaker := resilience.NewCircuitBreaker(cfg.BatchBackend,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	batchLogger := observability.WithComponent(logger, "batch")

	if cfg.BatchBackend == "whisper" {
		language := ""
		if len(cfg.LanguageHints) > 0 {
			language = cfg.LanguageHints[0]
		}
		return batch.NewWhisperBackend(batch.WhisperOptions{
			APIKey:   cfg.OpenAIAPIKey,
			Language: language,
			Breaker:  breaker,
		}, batchLogger, metrics)
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	return batch.NewClient(batch.Options{
		BaseURL:          cfg.BatchBaseURL,
		APIKey:           cfg.SonioxAPIKey,
		Model:            cfg.BatchModel,
		LanguageHints:    cfg.LanguageHints,
		PollInterval:     cfg.PollIntervalDuration(),
		PollMaxAttempts:  cfg.PollMaxAttempts,
		HTTPTimeout:      time.Duration(cfg.BatchHTTPTimeout) * time.Second,
		DeleteAfterFetch: cfg.DeleteAfterFetch,
		Breaker:          breaker,
		Retry:            retry,
	}, batchLogger, metrics)
}

func transcribeFile(ctx context.Context, cfg *config.Config, path string, logger zerolog.Logger) error {
	metrics := observability.NewSessionMetrics("batch")
	backend := newBatchBackend(cfg, logger, metrics)

	logger.Info().Str("file", path).Str("backend", cfg.BatchBackend).Msg("Submitting recording for batch transcription")
	result, err := backend.Transcribe(ctx, path)
	if err != nil {
		return fmt.Errorf("batch transcription failed: %w", err)
	}
	fmt.Println(result.Text)
	return nil
}

func listDevices(cfg *config.Config, logger zerolog.Logger) error {
	hw, err := device.NewMalgo(outputFormat(cfg), observability.WithComponent(logger, "device"))
	if err != nil {
		return err
	}
	defer hw.Close()

	for _, kind := range []audio.SourceKind{audio.SourceMic, audio.SourceSystem} {
		infos, err := hw.Devices(kind)
		if err != nil {
			return err
		}
		fmt.Printf("%s devices:\n", kind)
		for _, info := range infos {
			marker := " "
			if info.IsDefault {
				marker = "*"
			}
			fmt.Printf(" %s %s (%s)\n", marker, info.Name, info.ID)
		}
	}
	return nil
}
