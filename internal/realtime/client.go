// Package realtime streams mixed audio to a live transcription service and
// delivers recognized tokens in arrival order.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/resilience"
	"github.com/lexiqai/livescribe/internal/transcript"
)

const writeTimeout = 10 * time.Second

// Transcriber is a streaming speech-to-text session
type Transcriber interface {
	Connect(ctx context.Context, creds Credentials, cfg StreamConfig) error
	// SendAudio never blocks and is a no-op unless connected
	SendAudio(data []byte)
	// Finalize signals end of audio and waits for trailing tokens
	Finalize(ctx context.Context) error
	// Disconnect is idempotent
	Disconnect() error
	Status() <-chan Status
	Tokens() <-chan []transcript.Token
	Errors() <-chan error
}

// Options configures the WebSocket client
type Options struct {
	URL               string
	FinalizeTimeout   time.Duration
	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
	SendQueueSize     int
	Reconnect         *resilience.ReconnectConfig
	Clock             clock.Clock
}

// Client is the WebSocket transcriber
type Client struct {
	opts    Options
	clock   clock.Clock
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	metrics *observability.Metrics
	dropLog *rate.Limiter

	mu         sync.Mutex
	state      State
	creds      Credentials
	config     StreamConfig
	conn       *websocket.Conn
	runCtx     context.Context
	runCancel  context.CancelFunc
	connCancel context.CancelFunc
	finished   chan struct{}
	finishOnce *sync.Once
	finalizing bool
	failed     bool

	writeMu sync.Mutex
	queue   *audioQueue
	wg      sync.WaitGroup

	status chan Status
	tokens chan []transcript.Token
	errs   chan error
}

// NewClient creates a disconnected client
func NewClient(opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Client {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 3 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.Reconnect == nil {
		opts.Reconnect = resilience.DefaultReconnectConfig()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	reconnect := *opts.Reconnect
	if reconnect.Clock == nil {
		reconnect.Clock = clk
	}
	opts.Reconnect = &reconnect

	return &Client{
		opts:  opts,
		clock: clk,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger:  logger,
		metrics: metrics,
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		queue:   newAudioQueue(opts.SendQueueSize),
		status:  make(chan Status, 64),
		tokens:  make(chan []transcript.Token, 256),
		errs:    make(chan error, 32),
	}
}

// Connect dials the service and sends the configuration message. The client
// is Connected once that write succeeds; the service does not acknowledge it.
func (c *Client) Connect(ctx context.Context, creds Credentials, cfg StreamConfig) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return fmt.Errorf("realtime client already %s", c.state)
	}
	c.creds = creds
	c.config = cfg
	c.failed = false
	c.finalizing = false
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.queue.clear()
	c.setStatus(Status{State: StateConnecting})

	conn, err := c.dial(ctx, creds, cfg)
	if err != nil {
		c.mu.Lock()
		c.runCancel()
		c.mu.Unlock()
		c.setStatus(Status{State: StateFailed, Reason: err.Error()})
		return err
	}

	c.attach(conn)
	c.logger.Info().
		Str("url", c.opts.URL).
		Str("model", cfg.Model).
		Str("audio_format", cfg.AudioFormat).
		Int("sample_rate", cfg.SampleRate).
		Bool("diarization", cfg.EnableDiarization).
		Msg("Realtime transcription connected")
	return nil
}

func (c *Client) dial(ctx context.Context, creds Credentials, cfg StreamConfig) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, apperr.Network(apperr.CodeConnectFailed, "failed to connect to realtime service", err)
	}

	payload, err := json.Marshal(newConfigMessage(creds, cfg))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to encode config message: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, apperr.Network(apperr.CodeConnectFailed, "failed to send config message", err)
	}
	return conn, nil
}

// attach starts the per-connection tasks and marks the client Connected
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.runCtx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	connCtx, cancel := context.WithCancel(c.runCtx)
	c.conn = conn
	c.connCancel = cancel
	c.finished = make(chan struct{})
	c.finishOnce = &sync.Once{}
	c.state = StateConnected
	c.wg.Add(3)
	c.mu.Unlock()

	go c.sendLoop(connCtx, conn)
	go c.receiveLoop(connCtx, conn)
	go c.keepalive(connCtx, conn)

	c.publish(Status{State: StateConnected})
}

// SendAudio queues encoded audio for the send task
func (c *Client) SendAudio(data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	ok := c.state == StateConnected && !c.finalizing
	c.mu.Unlock()
	if !ok {
		return
	}

	if c.queue.push(data) && c.dropLog.Allow() {
		c.logger.Warn().Msg("Realtime send queue full, dropping oldest audio")
	}
}

func (c *Client) sendLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		data, ok := c.queue.pop(ctx)
		if !ok {
			return
		}

		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		// A nil payload is the end-of-audio sentinel: one empty binary frame
		err := conn.WriteMessage(websocket.BinaryMessage, data)
		c.writeMu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sendErr := apperr.Network(apperr.CodeSendFailed, "failed to send audio", err)
			c.logger.Warn().Err(err).Msg("Realtime send failed")
			c.metrics.RecordError(apperr.KindNetwork.String(), "realtime")
			c.report(sendErr)
		}
	}
}

func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.connectionLost(conn, err)
			return
		}

		msg, err := parseServerMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Skipping malformed realtime message")
			c.metrics.RecordError(apperr.KindNetwork.String(), "realtime")
			continue
		}

		if len(msg.Tokens) > 0 {
			final := 0
			for _, tok := range msg.Tokens {
				if tok.IsFinal {
					final++
				}
			}
			c.metrics.RecordTokens(final, len(msg.Tokens)-final)

			select {
			case c.tokens <- msg.Tokens:
			case <-ctx.Done():
				return
			}
		}

		if msg.ErrorCode != "" || msg.ErrorMessage != "" {
			c.serverError(string(msg.ErrorCode), msg.ErrorMessage)
			if isFatalCode(string(msg.ErrorCode)) {
				return
			}
		}

		if msg.Finished {
			c.signalFinished()
		}
	}
}

func (c *Client) serverError(code, message string) {
	if code == "" {
		code = apperr.CodeServerError
	}
	fatal := isFatalCode(code)
	err := apperr.Protocol(code, message, fatal)

	c.logger.Error().Str("code", code).Str("message", message).Bool("fatal", fatal).Msg("Realtime service error")
	c.metrics.RecordError(apperr.KindProtocol.String(), "realtime")
	c.report(err)

	if fatal {
		c.fail(err)
	}
}

// fail moves to Failed and tears down the connection without reconnecting
func (c *Client) fail(cause error) {
	c.mu.Lock()
	c.failed = true
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.state = StateFailed
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.publish(Status{State: StateFailed, Reason: cause.Error()})
}

func (c *Client) signalFinished() {
	c.mu.Lock()
	once, finished := c.finishOnce, c.finished
	c.mu.Unlock()
	if once != nil {
		once.Do(func() { close(finished) })
	}
}

// connectionLost runs on the receive task after an unexpected read error
func (c *Client) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.failed {
		c.mu.Unlock()
		return
	}
	finalizing := c.finalizing
	cancel := c.connCancel
	c.conn = nil
	c.mu.Unlock()

	cancel()
	conn.Close()

	if finalizing {
		// The service closes the stream once trailing tokens are out
		c.signalFinished()
		return
	}

	c.logger.Warn().Err(cause).Msg("Realtime connection lost, reconnecting")
	c.wg.Add(1)
	go c.reconnect(cause)
}

func (c *Client) reconnect(cause error) {
	defer c.wg.Done()

	c.mu.Lock()
	ctx := c.runCtx
	creds, cfg := c.creds, c.config
	c.state = StateReconnecting
	c.mu.Unlock()

	attempt := 0
	err := resilience.Reconnect(ctx, func(ctx context.Context) error {
		c.publish(Status{State: StateConnecting, Attempt: attempt})
		conn, err := c.dial(ctx, creds, cfg)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Realtime reconnect attempt failed")
			c.mu.Lock()
			c.state = StateReconnecting
			c.mu.Unlock()
			return err
		}
		c.attach(conn)
		c.logger.Info().Int("attempt", attempt).Msg("Realtime connection re-established")
		return nil
	}, c.opts.Reconnect, func(n int, delay time.Duration) {
		attempt = n
		c.metrics.RecordReconnect()
		c.publish(Status{State: StateReconnecting, Attempt: n, Delay: delay})
	})

	if err == nil || ctx.Err() != nil {
		return
	}

	c.logger.Error().Err(err).AnErr("cause", cause).Msg("Realtime reconnection exhausted")
	c.metrics.RecordError(apperr.KindNetwork.String(), "realtime")
	c.report(err)

	c.mu.Lock()
	c.failed = true
	c.state = StateFailed
	c.mu.Unlock()
	c.publish(Status{State: StateFailed, Reason: err.Error()})
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := c.clock.Ticker(c.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("Realtime keepalive ping failed")
			}
		}
	}
}

// Finalize sends the end-of-audio sentinel after any queued audio and waits
// for the service's finished message
func (c *Client) Finalize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return apperr.Network(apperr.CodeSendFailed, fmt.Sprintf("cannot finalize while %s", state), nil)
	}
	c.finalizing = true
	finished := c.finished
	c.mu.Unlock()

	c.queue.push(nil)

	timer := c.clock.Timer(c.opts.FinalizeTimeout)
	defer timer.Stop()

	select {
	case <-finished:
		c.logger.Info().Msg("Realtime transcription finalized")
		return nil
	case <-timer.C:
		c.logger.Warn().Dur("timeout", c.opts.FinalizeTimeout).Msg("Timed out waiting for trailing tokens")
		return apperr.Timeout(apperr.CodeFinalizeTimeout,
			fmt.Sprintf("no finished message within %v", c.opts.FinalizeTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect cancels every task, closes the connection and moves to
// Disconnected. It is safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.runCancel == nil && c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var closeErr error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if err := conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			closeErr = fmt.Errorf("failed to close realtime connection: %w", err)
		}
	}

	c.wg.Wait()
	c.queue.clear()

	c.mu.Lock()
	wasDisconnected := c.state == StateDisconnected
	c.state = StateDisconnected
	c.finalizing = false
	c.mu.Unlock()

	if !wasDisconnected {
		c.publish(Status{State: StateDisconnected})
	}
	return closeErr
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.state = s.State
	c.mu.Unlock()
	c.publish(s)
}

func (c *Client) publish(s Status) {
	c.metrics.RecordRealtimeStatus(int(s.State))
	if publishLatest(c.status, s) {
		c.logger.Warn().Str("status", s.String()).Msg("Status channel full, dropped oldest update")
	}
}

func (c *Client) report(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Client) Status() <-chan Status             { return c.status }
func (c *Client) Tokens() <-chan []transcript.Token { return c.tokens }
func (c *Client) Errors() <-chan error              { return c.errs }
