package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/capture"
)

func TestTone_DeliversFramesOnTicks(t *testing.T) {
	mock := clock.NewMock()
	tone := &Tone{
		Format:    audio.Format{SampleRate: 16000, Channels: 2},
		Frequency: 440,
		Amplitude: 0.5,
		Clock:     mock,
	}

	var mu sync.Mutex
	var total int
	var peak int16
	stream, err := tone.Open(context.Background(), capture.Selector{Source: audio.SourceMic}, func(samples []int16) {
		mu.Lock()
		defer mu.Unlock()
		total += len(samples)
		for _, s := range samples {
			if s > peak {
				peak = s
			}
		}
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := stream.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the generator goroutine arm its ticker
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 10; i++ {
		mock.Add(10 * time.Millisecond)
	}
	stream.Stop()

	mu.Lock()
	defer mu.Unlock()
	// Mock ticks coalesce if the generator falls behind
	if total == 0 || total > 10*320 || total%320 != 0 {
		t.Errorf("Expected up to 10 whole 10ms buffers, got %d samples", total)
	}
	if peak < 15000 || peak > 16400 {
		t.Errorf("Expected peak near half scale, got %d", peak)
	}
}

func TestTone_OpenDelayHonorsContext(t *testing.T) {
	tone := &Tone{
		Format:    audio.Format{SampleRate: 16000, Channels: 1},
		OpenDelay: time.Hour,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := tone.Open(ctx, capture.Selector{}, func([]int16) {}); err == nil {
		t.Error("Expected open to fail when context expires")
	}
}

func TestTone_Interrupt(t *testing.T) {
	tone := &Tone{Format: audio.Format{SampleRate: 16000, Channels: 1}}

	stream, err := tone.Open(context.Background(), capture.Selector{}, func([]int16) {})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	stream.Start()
	defer stream.Stop()

	tone.Interrupt()

	select {
	case <-stream.Lost():
	case <-time.After(time.Second):
		t.Fatal("Expected Lost to be closed after Interrupt")
	}
	if tone.Opens() != 1 {
		t.Errorf("Expected 1 open, got %d", tone.Opens())
	}
}
