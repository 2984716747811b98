package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/observability"
)

// fakeService is a scripted realtime transcription server
type fakeService struct {
	upgrader websocket.Upgrader

	// reject answers a connection attempt with 503 instead of upgrading
	reject func(n int) bool
	// handle runs after the config message has been read
	handle func(conn *websocket.Conn, n int, svc *fakeService)

	mu      sync.Mutex
	conns   int
	configs []configMessage
	audio   [][]byte
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.conns++
	n := s.conns
	s.mu.Unlock()

	if s.reject != nil && s.reject(n) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var cfg configMessage
	if err := json.Unmarshal(data, &cfg); err != nil {
		return
	}
	s.mu.Lock()
	s.configs = append(s.configs, cfg)
	s.mu.Unlock()

	if s.handle != nil {
		s.handle(conn, n, s)
	}
}

func (s *fakeService) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// echoUntilEnd records audio and answers the end-of-audio frame with
// tokens followed by finished
func echoUntilEnd(conn *websocket.Conn, _ int, s *fakeService) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) > 0 {
			s.mu.Lock()
			s.audio = append(s.audio, data)
			s.mu.Unlock()
			continue
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"tokens":[{"text":"Hello","is_final":true,"speaker":"1"},{"text":"<fin>","is_final":true}]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"finished":true}`))
	}
}

// holdOpen keeps the connection until the client goes away
func holdOpen(conn *websocket.Conn, _ int, _ *fakeService) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestService(t *testing.T, svc *fakeService) string {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(url string, clk clock.Clock) *Client {
	return NewClient(Options{
		URL:             url,
		FinalizeTimeout: 2 * time.Second,
		Clock:           clk,
	}, zerolog.Nop(), observability.NewSessionMetrics("realtime-test"))
}

var testStream = StreamConfig{
	Model:             "stt-rt-preview",
	AudioFormat:       "pcm_s16le",
	SampleRate:        16000,
	Channels:          1,
	LanguageHints:     []string{"en"},
	EnableDiarization: true,
}

// waitForState reads status updates until one reaches want
func waitForState(t *testing.T, ch <-chan Status, want State) Status {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.State == want {
				return s
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for status %s", want)
		}
	}
}

func TestClient_StreamAndFinalize(t *testing.T) {
	svc := &fakeService{handle: echoUntilEnd}
	client := newTestClient(newTestService(t, svc), nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background(), Credentials{APIKey: "key-123"}, testStream); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForState(t, client.Status(), StateConnected)

	client.SendAudio([]byte{1, 2})
	client.SendAudio(nil)
	client.SendAudio([]byte{3, 4})

	if err := client.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	select {
	case batch := <-client.Tokens():
		if len(batch) != 1 || batch[0].Text != "Hello" || batch[0].Speaker != "1" {
			t.Errorf("Expected one Hello token from speaker 1, got %+v", batch)
		}
	default:
		t.Fatal("Expected a token batch before finished")
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.configs) != 1 {
		t.Fatalf("Expected 1 config message, got %d", len(svc.configs))
	}
	cfg := svc.configs[0]
	if cfg.APIKey != "key-123" || cfg.AudioFormat != "pcm_s16le" || cfg.SampleRate != 16000 || cfg.NumChannels != 1 {
		t.Errorf("Unexpected config message: %+v", cfg)
	}
	if !cfg.EnableSpeakerDiarization || len(cfg.LanguageHints) != 1 {
		t.Errorf("Expected diarization and one language hint, got %+v", cfg)
	}
	if len(svc.audio) != 2 || svc.audio[0][0] != 1 || svc.audio[1][0] != 3 {
		t.Errorf("Expected audio [[1 2] [3 4]] in order, got %v", svc.audio)
	}
}

func TestClient_NoOpBeforeConnect(t *testing.T) {
	client := newTestClient("ws://127.0.0.1:1", nil)

	client.SendAudio([]byte{1, 2, 3})

	if err := client.Finalize(context.Background()); err == nil {
		t.Error("Expected Finalize to fail while disconnected")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("Expected Disconnect on a fresh client to succeed, got %v", err)
	}
	if client.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", client.State())
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	svc := &fakeService{reject: func(int) bool { return true }}
	client := newTestClient(newTestService(t, svc), nil)

	err := client.Connect(context.Background(), Credentials{APIKey: "k"}, testStream)
	if apperr.CodeOf(err) != apperr.CodeConnectFailed {
		t.Fatalf("Expected connect_failed, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindNetwork {
		t.Errorf("Expected network error, got %s", apperr.KindOf(err))
	}
	status := waitForState(t, client.Status(), StateFailed)
	if status.Reason == "" {
		t.Error("Expected a failure reason")
	}
}

func TestClient_FinalizeTimeout(t *testing.T) {
	svc := &fakeService{handle: holdOpen}
	client := NewClient(Options{
		URL:             newTestService(t, svc),
		FinalizeTimeout: 50 * time.Millisecond,
	}, zerolog.Nop(), observability.NewSessionMetrics("realtime-test"))
	defer client.Disconnect()

	if err := client.Connect(context.Background(), Credentials{}, testStream); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	err := client.Finalize(context.Background())
	if apperr.CodeOf(err) != apperr.CodeFinalizeTimeout {
		t.Fatalf("Expected finalize_timeout, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Errorf("Expected timeout kind, got %s", apperr.KindOf(err))
	}
}

func TestClient_SkipsMalformedMessages(t *testing.T) {
	svc := &fakeService{handle: func(conn *websocket.Conn, _ int, _ *fakeService) {
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"tokens":[{"text":"still","is_final":false}]}`))
		holdOpen(conn, 0, nil)
	}}
	client := newTestClient(newTestService(t, svc), nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background(), Credentials{}, testStream); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case batch := <-client.Tokens():
		if len(batch) != 1 || batch[0].Text != "still" || batch[0].IsFinal {
			t.Errorf("Expected provisional token 'still', got %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected tokens after a malformed message")
	}
	if client.State() != StateConnected {
		t.Errorf("Expected to stay connected, got %s", client.State())
	}
}

func TestClient_FatalServerError(t *testing.T) {
	svc := &fakeService{handle: func(conn *websocket.Conn, _ int, _ *fakeService) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error_code":401,"error_message":"invalid api key"}`))
		holdOpen(conn, 0, nil)
	}}
	client := newTestClient(newTestService(t, svc), nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background(), Credentials{APIKey: "bad"}, testStream); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	status := waitForState(t, client.Status(), StateFailed)
	if !strings.Contains(status.Reason, "invalid api key") {
		t.Errorf("Expected reason to carry the server message, got %q", status.Reason)
	}

	select {
	case err := <-client.Errors():
		if apperr.KindOf(err) != apperr.KindProtocol || !apperr.IsFatal(err) {
			t.Errorf("Expected fatal protocol error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected the server error on Errors()")
	}

	time.Sleep(100 * time.Millisecond)
	if n := svc.connections(); n != 1 {
		t.Errorf("Expected no reconnect after a fatal error, got %d connections", n)
	}
}

func TestClient_ReconnectBackoffThenFailed(t *testing.T) {
	mock := clock.NewMock()
	svc := &fakeService{
		reject: func(n int) bool { return n > 1 },
		handle: func(*websocket.Conn, int, *fakeService) {},
	}
	client := newTestClient(newTestService(t, svc), mock)
	defer client.Disconnect()

	if err := client.Connect(context.Background(), Credentials{}, testStream); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var delays []time.Duration
	for i := 1; i <= 3; i++ {
		status := waitForState(t, client.Status(), StateReconnecting)
		if status.Attempt != i {
			t.Errorf("Expected attempt %d, got %d", i, status.Attempt)
		}
		delays = append(delays, status.Delay)
		mock.Add(status.Delay)
	}

	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := range expected {
		if delays[i] != expected[i] {
			t.Errorf("Attempt %d: expected delay %v, got %v", i+1, expected[i], delays[i])
		}
	}

	waitForState(t, client.Status(), StateFailed)
	if n := svc.connections(); n != 4 {
		t.Errorf("Expected 1 connection plus 3 attempts, got %d", n)
	}

	mock.Add(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if n := svc.connections(); n != 4 {
		t.Errorf("Expected no retry after Failed, got %d connections", n)
	}
}

func TestClient_ReconnectSucceeds(t *testing.T) {
	mock := clock.NewMock()
	svc := &fakeService{handle: func(conn *websocket.Conn, n int, s *fakeService) {
		if n == 1 {
			return
		}
		echoUntilEnd(conn, n, s)
	}}
	client := newTestClient(newTestService(t, svc), mock)
	defer client.Disconnect()

	if err := client.Connect(context.Background(), Credentials{}, testStream); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForState(t, client.Status(), StateConnected)

	status := waitForState(t, client.Status(), StateReconnecting)
	mock.Add(status.Delay)
	waitForState(t, client.Status(), StateConnected)

	if err := client.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize after reconnect failed: %v", err)
	}

	svc.mu.Lock()
	configs := len(svc.configs)
	svc.mu.Unlock()
	if configs != 2 {
		t.Errorf("Expected the config message to be resent, got %d", configs)
	}
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	svc := &fakeService{handle: holdOpen}
	client := newTestClient(newTestService(t, svc), nil)

	if err := client.Connect(context.Background(), Credentials{}, testStream); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("First Disconnect failed: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("Second Disconnect failed: %v", err)
	}
	if client.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", client.State())
	}

	disconnected := 0
	for {
		select {
		case s := <-client.Status():
			if s.State == StateDisconnected {
				disconnected++
			}
			continue
		default:
		}
		break
	}
	if disconnected != 1 {
		t.Errorf("Expected one disconnected status, got %d", disconnected)
	}

	// Sends after disconnect are ignored
	client.SendAudio([]byte{1})
}

func TestParseServerMessage(t *testing.T) {
	msg, err := parseServerMessage([]byte(`{"tokens":[{"text":"a","is_final":true},{"text":"<end>","is_final":true}],"error_code":"503"}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(msg.Tokens) != 1 || msg.Tokens[0].Text != "a" {
		t.Errorf("Expected control tokens filtered, got %+v", msg.Tokens)
	}
	if msg.ErrorCode != "503" {
		t.Errorf("Expected error code 503, got %q", msg.ErrorCode)
	}

	if _, err := parseServerMessage([]byte(`{"tokens":`)); err == nil {
		t.Error("Expected an error for truncated JSON")
	}
}

func TestIsFatalCode(t *testing.T) {
	tests := map[string]bool{
		"400":             true,
		"401":             true,
		"408":             false,
		"429":             false,
		"500":             false,
		"503":             false,
		"unauthenticated": true,
		"overloaded":      false,
	}
	for code, expected := range tests {
		if got := isFatalCode(code); got != expected {
			t.Errorf("isFatalCode(%q): expected %v, got %v", code, expected, got)
		}
	}
}

func TestDeepgramEncoding(t *testing.T) {
	if deepgramEncoding("mulaw") != "mulaw" {
		t.Error("Expected mulaw to pass through")
	}
	if deepgramEncoding("pcm_s16le") != "linear16" {
		t.Error("Expected pcm_s16le to map to linear16")
	}
}
