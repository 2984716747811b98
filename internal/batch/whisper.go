package batch

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/resilience"
	"github.com/lexiqai/livescribe/internal/transcript"
)

// WhisperOptions configures the OpenAI Whisper backend
type WhisperOptions struct {
	APIKey   string
	BaseURL  string // empty uses the OpenAI default
	Model    string
	Language string
	Breaker  *resilience.CircuitBreaker
}

// WhisperBackend transcribes recordings with OpenAI's audio API. Each
// returned segment becomes one final token.
type WhisperBackend struct {
	client  *openai.Client
	opts    WhisperOptions
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewWhisperBackend creates a Whisper backend
func NewWhisperBackend(opts WhisperOptions, logger zerolog.Logger, metrics *observability.Metrics) *WhisperBackend {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Model == "" {
		opts.Model = openai.Whisper1
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("whisper", 5, 30*time.Second)
	}

	return &WhisperBackend{
		client:  openai.NewClientWithConfig(cfg),
		opts:    opts,
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}
}

// Transcribe sends the whole file in one request
func (w *WhisperBackend) Transcribe(ctx context.Context, wavPath string) (*Result, error) {
	w.metrics.RecordBatchStart()
	defer w.metrics.RecordBatchEnd()

	var resp openai.AudioResponse
	err := w.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = w.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    w.opts.Model,
			FilePath: wavPath,
			Language: w.opts.Language,
			Format:   openai.AudioResponseFormatVerboseJSON,
		})
		return err
	})
	observability.RecordBatchRequest("whisper", err == nil)
	if err != nil {
		w.metrics.RecordError(apperr.KindNetwork.String(), "whisper")
		if resilience.IsRetryableNetworkError(err) {
			return nil, apperr.Network(apperr.CodeServerError, "whisper transcription failed", err)
		}
		return nil, &apperr.Error{
			Kind:    apperr.KindProtocol,
			Code:    apperr.CodeTranscriptionError,
			Message: "whisper transcription failed",
			Fatal:   true,
			Err:     err,
		}
	}

	tokens := make([]transcript.Token, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		tokens = append(tokens, transcript.Token{
			Text:     " " + text,
			IsFinal:  true,
			StartMs:  int64(seg.Start * 1000),
			EndMs:    int64(seg.End * 1000),
			Language: resp.Language,
		})
	}

	w.logger.Info().
		Str("path", wavPath).
		Str("language", resp.Language).
		Float64("duration", resp.Duration).
		Int("segments", len(resp.Segments)).
		Msg("Whisper transcription complete")

	return &Result{Text: strings.TrimSpace(resp.Text), Tokens: tokens}, nil
}

var (
	_ Backend = (*Client)(nil)
	_ Backend = (*WhisperBackend)(nil)
)
