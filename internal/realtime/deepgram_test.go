package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/observability"
	"github.com/lexiqai/livescribe/internal/transcript"
)

// fakeDeepgramStream records writes; every Write waits for release
type fakeDeepgramStream struct {
	release  chan struct{}
	onFinish func()

	mu          sync.Mutex
	writes      []string
	finishedAt  int
	finishCalls int
	stopped     bool
}

func (f *fakeDeepgramStream) Write(p []byte) (int, error) {
	<-f.release
	f.mu.Lock()
	f.writes = append(f.writes, string(p))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeDeepgramStream) Finish() {
	f.mu.Lock()
	f.finishedAt = len(f.writes)
	f.finishCalls++
	f.mu.Unlock()
	if f.onFinish != nil {
		f.onFinish()
	}
}

func (f *fakeDeepgramStream) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func newTestDeepgramClient() *DeepgramClient {
	d := NewDeepgramClient(DeepgramOptions{FinalizeTimeout: 2 * time.Second}, zerolog.Nop(), observability.NewSessionMetrics("test"))
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	return d
}

func speaker(n int) *int {
	return &n
}

func TestDeepgramTokens_SplitsSpeakerRuns(t *testing.T) {
	words := []msginterfaces.Word{
		{Word: "hi", PunctuatedWord: "Hi", Start: 0.1, End: 0.3, Speaker: speaker(1)},
		{Word: "there", PunctuatedWord: "there.", Start: 0.3, End: 0.6, Speaker: speaker(1)},
		{Word: "hello", Start: 1.0, End: 1.4, Speaker: speaker(2)},
	}

	tokens := deepgramTokens("Hi there. hello", words, true, 0, 1.5)
	if len(tokens) != 2 {
		t.Fatalf("Expected 2 tokens, got %d: %+v", len(tokens), tokens)
	}
	if tokens[0].Speaker != "1" || tokens[0].Text != " Hi there." {
		t.Errorf("Expected speaker 1 saying ' Hi there.', got %q %q", tokens[0].Speaker, tokens[0].Text)
	}
	if tokens[0].StartMs != 100 || tokens[0].EndMs != 600 {
		t.Errorf("Expected 100-600ms, got %d-%d", tokens[0].StartMs, tokens[0].EndMs)
	}
	if tokens[1].Speaker != "2" || tokens[1].Text != " hello" {
		t.Errorf("Expected speaker 2 saying ' hello', got %q %q", tokens[1].Speaker, tokens[1].Text)
	}
	if tokens[1].StartMs != 1000 || tokens[1].EndMs != 1400 {
		t.Errorf("Expected 1000-1400ms, got %d-%d", tokens[1].StartMs, tokens[1].EndMs)
	}
	for _, tok := range tokens {
		if !tok.IsFinal {
			t.Error("Expected final tokens")
		}
	}
}

func TestDeepgramTokens_WithoutDiarization(t *testing.T) {
	words := []msginterfaces.Word{
		{Word: "hello", Start: 0.5, End: 0.9},
		{Word: "world", Start: 0.9, End: 1.2},
	}

	tokens := deepgramTokens("hello world", words, false, 0, 2)
	if len(tokens) != 1 {
		t.Fatalf("Expected 1 token, got %d", len(tokens))
	}
	if tokens[0].Text != " hello world" || tokens[0].Speaker != "" {
		t.Errorf("Expected one unlabelled token, got %+v", tokens[0])
	}
	if tokens[0].StartMs != 500 || tokens[0].EndMs != 1200 {
		t.Errorf("Expected 500-1200ms, got %d-%d", tokens[0].StartMs, tokens[0].EndMs)
	}

	bare := deepgramTokens("hello", nil, true, 2, 0.5)
	if bare[0].StartMs != 2000 || bare[0].EndMs != 2500 {
		t.Errorf("Expected result span 2000-2500ms, got %d-%d", bare[0].StartMs, bare[0].EndMs)
	}
}

func TestDeepgramClient_DiarizedResultBuildsSpeakerTurns(t *testing.T) {
	d := newTestDeepgramClient()
	defer d.runCancel()

	d.handleMessage(&msginterfaces.MessageResponse{
		IsFinal: true,
		Channel: msginterfaces.Channel{
			Alternatives: []msginterfaces.Alternative{{
				Transcript: "hi there hello",
				Words: []msginterfaces.Word{
					{Word: "hi", Start: 0, End: 0.2, Speaker: speaker(1)},
					{Word: "there", Start: 0.2, End: 0.5, Speaker: speaker(1)},
					{Word: "hello", Start: 1.0, End: 1.3, Speaker: speaker(2)},
				},
			}},
		},
	})

	var batch []transcript.Token
	select {
	case batch = <-d.Tokens():
	case <-time.After(time.Second):
		t.Fatal("Expected a token batch")
	}

	a := transcript.NewAssembler()
	a.Apply(batch)
	segments := a.Segments()
	if len(segments) != 2 {
		t.Fatalf("Expected 2 speaker turns, got %d", len(segments))
	}
	if segments[0].Speaker != "1" || segments[0].Text() != "hi there" {
		t.Errorf("Expected speaker 1 'hi there', got %q %q", segments[0].Speaker, segments[0].Text())
	}
	if segments[1].Speaker != "2" || segments[1].Text() != "hello" {
		t.Errorf("Expected speaker 2 'hello', got %q %q", segments[1].Speaker, segments[1].Text())
	}
}

func TestDeepgramClient_SendAudioDoesNotBlockOnSlowSocket(t *testing.T) {
	d := newTestDeepgramClient()
	stream := &fakeDeepgramStream{release: make(chan struct{}), onFinish: d.handleClose}
	d.attach(stream)

	sent := make(chan struct{})
	go func() {
		d.SendAudio([]byte("a"))
		d.SendAudio([]byte("b"))
		d.SendAudio([]byte("c"))
		close(sent)
	}()

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Expected SendAudio to return while the socket is stalled")
	}

	close(stream.release)
	if err := d.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if len(stream.writes) != 3 || stream.writes[0] != "a" || stream.writes[2] != "c" {
		t.Errorf("Expected writes [a b c] in order, got %v", stream.writes)
	}
	if stream.finishCalls != 1 || stream.finishedAt != 3 {
		t.Errorf("Expected one Finish after all 3 writes, got %d calls after %d writes", stream.finishCalls, stream.finishedAt)
	}
}

func TestDeepgramClient_SendAudioDropsOldestWhenQueueFull(t *testing.T) {
	d := NewDeepgramClient(DeepgramOptions{SendQueueSize: 2}, zerolog.Nop(), observability.NewSessionMetrics("test"))
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	stream := &fakeDeepgramStream{release: make(chan struct{})}
	d.attach(stream)

	// The first payload is held by the stalled write; the queue keeps the newest two
	d.SendAudio([]byte("1"))
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.queue.mu.Lock()
		empty := len(d.queue.items) == 0
		d.queue.mu.Unlock()
		if empty {
			break
		}
		time.Sleep(time.Millisecond)
	}
	for _, p := range []string{"2", "3", "4"} {
		d.SendAudio([]byte(p))
	}

	d.queue.mu.Lock()
	queued := len(d.queue.items)
	oldest := string(d.queue.items[0])
	d.queue.mu.Unlock()
	if queued != 2 || oldest != "3" {
		t.Errorf("Expected queue [3 4], got %d items starting %q", queued, oldest)
	}

	close(stream.release)
	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if !stream.stopped {
		t.Error("Expected stream to be stopped on disconnect")
	}
}

func TestDeepgramClient_StatusKeepsLatestWhenChannelFull(t *testing.T) {
	d := newTestDeepgramClient()
	defer d.runCancel()

	for i := 1; i <= 100; i++ {
		d.publish(Status{State: StateReconnecting, Attempt: i})
	}
	d.setStatus(Status{State: StateFailed, Reason: "reconnect_exhausted"})

	var last Status
	count := 0
	for done := false; !done; {
		select {
		case s := <-d.Status():
			last = s
			count++
		default:
			done = true
		}
	}

	if last.State != StateFailed {
		t.Errorf("Expected the final update to be Failed, got %s", last.State)
	}
	if count != cap(d.status) {
		t.Errorf("Expected %d buffered updates, got %d", cap(d.status), count)
	}
}

func TestPublishLatest(t *testing.T) {
	ch := make(chan Status, 1)

	if publishLatest(ch, Status{State: StateConnecting}) {
		t.Error("Expected no drop with room in the channel")
	}
	if !publishLatest(ch, Status{State: StateConnected}) {
		t.Error("Expected the older update to be dropped")
	}
	if s := <-ch; s.State != StateConnected {
		t.Errorf("Expected Connected, got %s", s.State)
	}
}
