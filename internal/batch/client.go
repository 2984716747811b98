package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/resilience"
)

// Options configures the REST client
type Options struct {
	BaseURL          string
	APIKey           string
	Model            string
	LanguageHints    []string
	PollInterval     time.Duration
	PollMaxAttempts  int
	HTTPTimeout      time.Duration
	DeleteAfterFetch bool
	Breaker          *resilience.CircuitBreaker
	Retry            *resilience.RetryConfig
	Clock            clock.Clock
}

// Client runs the upload, create, poll and fetch flow against the
// transcription REST API
type Client struct {
	opts       Options
	clock      clock.Clock
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

// NewClient creates a batch client
func NewClient(opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollMaxAttempts <= 0 {
		opts.PollMaxAttempts = 60
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 120 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreakerWithClock("batch", 5, 30*time.Second, clk)
	}

	return &Client{
		opts:       opts,
		clock:      clk,
		httpClient: &http.Client{Timeout: opts.HTTPTimeout},
		breaker:    breaker,
		logger:     logger,
		metrics:    metrics,
	}
}

// Transcribe uploads wavPath, waits for the transcription to complete and
// returns its transcript
func (c *Client) Transcribe(ctx context.Context, wavPath string) (*Result, error) {
	c.metrics.RecordBatchStart()
	defer c.metrics.RecordBatchEnd()

	fileID, err := c.upload(ctx, wavPath)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("file_id", fileID).Str("path", wavPath).Msg("Recording uploaded")

	transcriptionID, err := c.create(ctx, fileID)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("transcription_id", transcriptionID).Str("model", c.opts.Model).Msg("Transcription created")

	if err := c.waitForCompletion(ctx, transcriptionID); err != nil {
		return nil, err
	}

	var tr transcriptResponse
	if err := c.doJSON(ctx, "transcript", http.MethodGet,
		"/v1/transcriptions/"+transcriptionID+"/transcript", nil, "", &tr); err != nil {
		return nil, err
	}

	if c.opts.DeleteAfterFetch {
		if err := c.doJSON(ctx, "delete", http.MethodDelete, "/v1/files/"+fileID, nil, "", nil); err != nil {
			c.logger.Warn().Err(err).Str("file_id", fileID).Msg("Failed to delete uploaded file")
		}
	}

	return &Result{
		Text:            tr.Text,
		Tokens:          tr.Tokens,
		FileID:          fileID,
		TranscriptionID: transcriptionID,
	}, nil
}

// upload posts the file as multipart form data, retrying transient failures
func (c *Client) upload(ctx context.Context, wavPath string) (string, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return "", fmt.Errorf("failed to read recording: %w", err)
	}

	var file fileResponse
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", filepath.Base(wavPath))
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
		if err := mw.Close(); err != nil {
			return err
		}
		return c.doJSON(ctx, "upload", http.MethodPost, "/v1/files", &body, mw.FormDataContentType(), &file)
	}, c.opts.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", apperr.Protocol(apperr.CodeTranscriptionError, "upload response carried no file id", true)
	}
	return file.ID, nil
}

func (c *Client) create(ctx context.Context, fileID string) (string, error) {
	payload, err := json.Marshal(createRequest{
		FileID:        fileID,
		Model:         c.opts.Model,
		LanguageHints: c.opts.LanguageHints,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var created transcriptionResponse
	if err := c.doJSON(ctx, "create", http.MethodPost, "/v1/transcriptions",
		bytes.NewReader(payload), "application/json", &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", apperr.Protocol(apperr.CodeTranscriptionError, "create response carried no transcription id", true)
	}
	return created.ID, nil
}

// waitForCompletion polls until the transcription completes or fails. The
// first poll is immediate; later polls wait PollInterval.
func (c *Client) waitForCompletion(ctx context.Context, id string) error {
	for attempt := 1; attempt <= c.opts.PollMaxAttempts; attempt++ {
		if attempt > 1 {
			timer := c.clock.Timer(c.opts.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		var status transcriptionResponse
		if err := c.doJSON(ctx, "poll", http.MethodGet, "/v1/transcriptions/"+id, nil, "", &status); err != nil {
			return err
		}

		switch status.Status {
		case StatusCompleted:
			return nil
		case StatusError:
			msg := status.ErrorMessage
			if msg == "" {
				msg = "transcription failed"
			}
			return apperr.Protocol(apperr.CodeTranscriptionError, msg, true)
		}
		c.logger.Debug().Str("transcription_id", id).Str("status", status.Status).Int("attempt", attempt).Msg("Transcription pending")
	}

	return apperr.Timeout(apperr.CodePollTimeout,
		fmt.Sprintf("transcription %s not complete after %d polls", id, c.opts.PollMaxAttempts))
}

// doJSON performs one request through the circuit breaker and decodes a JSON
// response into out when out is non-nil
func (c *Client) doJSON(ctx context.Context, step, method, path string, body io.Reader, contentType string, out interface{}) error {
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.opts.BaseURL, "/")+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperr.Network(apperr.CodeConnectFailed, fmt.Sprintf("%s request failed", step), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			msg := fmt.Sprintf("%s returned status %d: %s", step, resp.StatusCode, strings.TrimSpace(string(detail)))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
				return apperr.Network(apperr.CodeServerError, msg, nil)
			}
			return apperr.Protocol(apperr.CodeTranscriptionError, msg, true)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.Protocol(apperr.CodeMalformedMessage, fmt.Sprintf("%s response: %v", step, err), true)
		}
		return nil
	})

	observability.RecordBatchRequest(step, err == nil)
	if err != nil {
		c.metrics.RecordError(apperr.KindOf(err).String(), "batch")
	}
	return err
}
