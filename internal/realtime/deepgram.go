package realtime

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/resilience"
	"github.com/lexiqai/livescribe/internal/transcript"
)

// deepgramCallback embeds the SDK's default handler and overrides only the
// events the client cares about
type deepgramCallback struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse)
	onClose   func()
}

func (h *deepgramCallback) Message(msg *msginterfaces.MessageResponse) error {
	h.onMessage(msg)
	return nil
}

func (h *deepgramCallback) Error(resp *msginterfaces.ErrorResponse) error {
	h.onError(resp)
	return nil
}

func (h *deepgramCallback) Close(*msginterfaces.CloseResponse) error {
	h.onClose()
	return nil
}

// deepgramStream is the part of the SDK websocket the client drives
type deepgramStream interface {
	Write(p []byte) (int, error)
	Finish()
	Stop()
}

// DeepgramOptions configures the Deepgram provider
type DeepgramOptions struct {
	FinalizeTimeout time.Duration
	SendQueueSize   int
	Reconnect       *resilience.ReconnectConfig
	Breaker         *resilience.CircuitBreaker
	Clock           clock.Clock
}

// DeepgramClient is a Transcriber backed by Deepgram's live websocket API.
// With diarization on, each run of words from one speaker becomes a token.
type DeepgramClient struct {
	opts    DeepgramOptions
	clock   clock.Clock
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	metrics *observability.Metrics
	dropLog *rate.Limiter
	queue   *audioQueue

	mu         sync.Mutex
	state      State
	creds      Credentials
	config     StreamConfig
	ws         deepgramStream
	runCtx     context.Context
	runCancel  context.CancelFunc
	connCancel context.CancelFunc
	finalizing bool
	finished   chan struct{}
	finishOnce *sync.Once
	wg         sync.WaitGroup

	status chan Status
	tokens chan []transcript.Token
	errs   chan error
}

// NewDeepgramClient creates a disconnected Deepgram transcriber
func NewDeepgramClient(opts DeepgramOptions, logger zerolog.Logger, metrics *observability.Metrics) *DeepgramClient {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 3 * time.Second
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	reconnect := resilience.DefaultReconnectConfig()
	if opts.Reconnect != nil {
		*reconnect = *opts.Reconnect
	}
	if reconnect.Clock == nil {
		reconnect.Clock = clk
	}
	opts.Reconnect = reconnect

	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreakerWithClock("deepgram", 5, 60*time.Second, clk)
	}

	return &DeepgramClient{
		opts:    opts,
		clock:   clk,
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		queue:   newAudioQueue(opts.SendQueueSize),
		status:  make(chan Status, 64),
		tokens:  make(chan []transcript.Token, 256),
		errs:    make(chan error, 32),
	}
}

func deepgramEncoding(format string) string {
	if format == "mulaw" {
		return "mulaw"
	}
	return "linear16"
}

// Connect opens a live transcription stream
func (d *DeepgramClient) Connect(ctx context.Context, creds Credentials, cfg StreamConfig) error {
	d.mu.Lock()
	switch d.state {
	case StateConnecting, StateConnected, StateReconnecting:
		d.mu.Unlock()
		return fmt.Errorf("deepgram client already %s", d.state)
	}
	d.creds = creds
	d.config = cfg
	d.finalizing = false
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	d.queue.clear()
	d.setStatus(Status{State: StateConnecting})
	if err := d.open(ctx); err != nil {
		d.mu.Lock()
		d.runCancel()
		d.mu.Unlock()
		d.setStatus(Status{State: StateFailed, Reason: err.Error()})
		return err
	}

	d.logger.Info().
		Str("model", cfg.Model).
		Str("encoding", deepgramEncoding(cfg.AudioFormat)).
		Int("sample_rate", cfg.SampleRate).
		Bool("diarization", cfg.EnableDiarization).
		Msg("Deepgram streaming client started")
	return nil
}

// open creates and connects one websocket through the circuit breaker
func (d *DeepgramClient) open(ctx context.Context) error {
	d.mu.Lock()
	runCtx, creds, cfg := d.runCtx, d.creds, d.config
	d.mu.Unlock()

	language := ""
	if len(cfg.LanguageHints) > 0 {
		language = cfg.LanguageHints[0]
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       language,
		Punctuate:      true,
		InterimResults: true,
		Diarize:        cfg.EnableDiarization,
		Encoding:       deepgramEncoding(cfg.AudioFormat),
		Channels:       cfg.Channels,
		SampleRate:     cfg.SampleRate,
	}

	var ws *listenClient.WSCallback
	err := d.breaker.Call(ctx, func(ctx context.Context) error {
		callback := &deepgramCallback{
			DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
			onMessage:              d.handleMessage,
			onError:                d.handleError,
			onClose:                d.handleClose,
		}
		client, err := listenClient.NewWSUsingCallback(runCtx, creds.APIKey, nil, tOptions, callback)
		if err != nil {
			return apperr.Network(apperr.CodeConnectFailed, "failed to create Deepgram client", err)
		}
		if !client.Connect() {
			return apperr.Network(apperr.CodeConnectFailed, "failed to connect to Deepgram", nil)
		}
		ws = client
		return nil
	})
	if err != nil {
		return err
	}
	d.attach(ws)
	return nil
}

// attach starts the send task for a connected stream and marks the client
// Connected
func (d *DeepgramClient) attach(ws deepgramStream) {
	d.mu.Lock()
	if d.runCtx.Err() != nil {
		d.mu.Unlock()
		ws.Stop()
		return
	}
	connCtx, cancel := context.WithCancel(d.runCtx)
	d.ws = ws
	d.connCancel = cancel
	d.finished = make(chan struct{})
	d.finishOnce = &sync.Once{}
	d.state = StateConnected
	d.wg.Add(1)
	d.mu.Unlock()

	go d.sendLoop(connCtx, ws)
	d.publish(Status{State: StateConnected})
}

// sendLoop writes queued audio in order. The end-of-audio sentinel closes
// the stream for writing.
func (d *DeepgramClient) sendLoop(ctx context.Context, ws deepgramStream) {
	defer d.wg.Done()

	for {
		data, ok := d.queue.pop(ctx)
		if !ok {
			return
		}
		if data == nil {
			ws.Finish()
			return
		}

		if _, err := ws.Write(data); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn().Err(err).Msg("Deepgram send failed")
			d.metrics.RecordError(apperr.KindNetwork.String(), "deepgram")
			d.report(apperr.Network(apperr.CodeSendFailed, "failed to send audio to Deepgram", err))
		}
	}
}

func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	tokens := deepgramTokens(alt.Transcript, alt.Words, msg.IsFinal, msg.Start, msg.Duration)
	if msg.IsFinal {
		d.metrics.RecordTokens(len(tokens), 0)
	} else {
		d.metrics.RecordTokens(0, len(tokens))
	}

	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()
	select {
	case d.tokens <- tokens:
	case <-ctx.Done():
	}
}

// deepgramTokens turns one result into tokens. Words labelled by diarization
// become one token per run of the same speaker; otherwise the transcript is
// a single token spanning the result.
func deepgramTokens(text string, words []msginterfaces.Word, isFinal bool, start, duration float64) []transcript.Token {
	if len(words) == 0 || words[0].Speaker == nil {
		tok := transcript.Token{
			Text:    " " + text,
			IsFinal: isFinal,
			StartMs: secondsToMs(start),
			EndMs:   secondsToMs(start + duration),
		}
		if len(words) > 0 {
			tok.StartMs = secondsToMs(words[0].Start)
			tok.EndMs = secondsToMs(words[len(words)-1].End)
		}
		return []transcript.Token{tok}
	}

	var tokens []transcript.Token
	for _, w := range words {
		speaker := ""
		if w.Speaker != nil {
			speaker = strconv.Itoa(*w.Speaker)
		}
		if n := len(tokens); n == 0 || tokens[n-1].Speaker != speaker {
			tokens = append(tokens, transcript.Token{
				IsFinal: isFinal,
				Speaker: speaker,
				StartMs: secondsToMs(w.Start),
			})
		}
		cur := &tokens[len(tokens)-1]
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		cur.Text += " " + word
		cur.EndMs = secondsToMs(w.End)
	}
	return tokens
}

func secondsToMs(s float64) int64 {
	return int64(s * 1000)
}

func (d *DeepgramClient) handleError(resp *msginterfaces.ErrorResponse) {
	d.breaker.RecordResult(false)
	d.metrics.RecordError(apperr.KindNetwork.String(), "deepgram")
	d.logger.Error().Str("response", fmt.Sprintf("%+v", resp)).Msg("Deepgram error")

	d.mu.Lock()
	ctx := d.runCtx
	lost := d.state == StateConnected && !d.finalizing && ctx.Err() == nil
	if lost {
		d.state = StateReconnecting
		d.ws = nil
		if d.connCancel != nil {
			d.connCancel()
		}
	}
	d.mu.Unlock()

	d.report(apperr.Network(apperr.CodeServerError, fmt.Sprintf("deepgram error: %+v", resp), nil))
	if lost {
		d.wg.Add(1)
		go d.reconnect(ctx)
	}
}

func (d *DeepgramClient) handleClose() {
	d.mu.Lock()
	once, finished := d.finishOnce, d.finished
	d.mu.Unlock()
	if once != nil {
		once.Do(func() { close(finished) })
	}
}

func (d *DeepgramClient) reconnect(ctx context.Context) {
	defer d.wg.Done()

	err := resilience.Reconnect(ctx, func(ctx context.Context) error {
		d.publish(Status{State: StateConnecting})
		return d.open(ctx)
	}, d.opts.Reconnect, func(attempt int, delay time.Duration) {
		d.metrics.RecordReconnect()
		d.publish(Status{State: StateReconnecting, Attempt: attempt, Delay: delay})
	})
	if err == nil {
		d.logger.Info().Msg("Successfully reconnected Deepgram client")
		return
	}
	if ctx.Err() != nil {
		return
	}

	d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
	d.report(err)
	d.setStatus(Status{State: StateFailed, Reason: err.Error()})
}

// SendAudio queues audio for the send task; it is a no-op unless connected
func (d *DeepgramClient) SendAudio(data []byte) {
	if len(data) == 0 {
		return
	}
	d.mu.Lock()
	ok := d.state == StateConnected && !d.finalizing
	d.mu.Unlock()
	if !ok {
		return
	}

	if d.queue.push(data) && d.dropLog.Allow() {
		d.logger.Warn().Msg("Deepgram send queue full, dropping oldest audio")
	}
}

// Finalize closes the stream for writing once queued audio is sent and
// waits for the service to close it after its trailing results
func (d *DeepgramClient) Finalize(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateConnected || d.ws == nil {
		state := d.state
		d.mu.Unlock()
		return apperr.Network(apperr.CodeSendFailed, fmt.Sprintf("cannot finalize while %s", state), nil)
	}
	d.finalizing = true
	finished := d.finished
	d.mu.Unlock()

	d.queue.push(nil)

	timer := d.clock.Timer(d.opts.FinalizeTimeout)
	defer timer.Stop()
	select {
	case <-finished:
		return nil
	case <-timer.C:
		return apperr.Timeout(apperr.CodeFinalizeTimeout,
			fmt.Sprintf("deepgram did not close within %v", d.opts.FinalizeTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the stream and any reconnection; it is idempotent
func (d *DeepgramClient) Disconnect() error {
	d.mu.Lock()
	if d.runCancel == nil && d.state == StateDisconnected {
		d.mu.Unlock()
		return nil
	}
	if d.runCancel != nil {
		d.runCancel()
		d.runCancel = nil
	}
	ws := d.ws
	d.ws = nil
	finalizing := d.finalizing
	d.mu.Unlock()

	if ws != nil && !finalizing {
		ws.Stop()
	}
	d.wg.Wait()
	d.queue.clear()

	d.mu.Lock()
	was := d.state
	d.state = StateDisconnected
	d.finalizing = false
	d.mu.Unlock()
	if was != StateDisconnected {
		d.publish(Status{State: StateDisconnected})
	}
	d.logger.Info().Msg("Deepgram streaming client stopped")
	return nil
}

func (d *DeepgramClient) setStatus(s Status) {
	d.mu.Lock()
	d.state = s.State
	d.mu.Unlock()
	d.publish(s)
}

func (d *DeepgramClient) publish(s Status) {
	d.metrics.RecordRealtimeStatus(int(s.State))
	if publishLatest(d.status, s) {
		d.logger.Warn().Str("status", s.String()).Msg("Status channel full, dropped oldest update")
	}
}

func (d *DeepgramClient) report(err error) {
	select {
	case d.errs <- err:
	default:
	}
}

func (d *DeepgramClient) Status() <-chan Status             { return d.status }
func (d *DeepgramClient) Tokens() <-chan []transcript.Token { return d.tokens }
func (d *DeepgramClient) Errors() <-chan error              { return d.errs }

var (
	_ Transcriber = (*Client)(nil)
	_ Transcriber = (*DeepgramClient)(nil)
)
