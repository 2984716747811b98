package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func openBreaker(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}
	if cb.GetState() != StateOpen {
		t.Fatal("Expected circuit to be Open")
	}
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	mock := clock.NewMock()
	cb := NewCircuitBreakerWithClock("test", 3, 100*time.Millisecond, mock)
	openBreaker(t, cb)

	mock.Add(50 * time.Millisecond)
	if cb.allowRequest() {
		t.Error("Expected to reject request before reset timeout")
	}

	mock.Add(100 * time.Millisecond)
	if !cb.allowRequest() {
		t.Error("Expected to allow request after timeout (HalfOpen)")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected state to be HalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	mock := clock.NewMock()
	cb := NewCircuitBreakerWithClock("test", 3, 100*time.Millisecond, mock)
	openBreaker(t, cb)
	mock.Add(150 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if !cb.allowRequest() {
			t.Fatalf("Expected half-open request %d to be allowed", i+1)
		}
	}
	if cb.allowRequest() {
		t.Error("Expected fourth half-open request to be rejected")
	}
}

func TestCircuitBreaker_CloseAfterSuccess(t *testing.T) {
	mock := clock.NewMock()
	cb := NewCircuitBreakerWithClock("test", 3, 100*time.Millisecond, mock)
	openBreaker(t, cb)
	mock.Add(150 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Call(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("Expected half-open call to succeed, got %v", err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to be Closed after successes, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	mock := clock.NewMock()
	cb := NewCircuitBreakerWithClock("test", 3, 100*time.Millisecond, mock)
	openBreaker(t, cb)
	mock.Add(150 * time.Millisecond)

	cb.allowRequest()
	cb.RecordResult(false)

	if cb.GetState() != StateOpen {
		t.Errorf("Expected state to be Open after failure in HalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if err := cb.Call(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	err := cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("test error") })
	if err == nil || err.Error() != "test error" {
		t.Errorf("Expected 'test error', got %v", err)
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)
	openBreaker(t, cb)

	called := false
	err := cb.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected function not to run while circuit is open")
	}
}

func TestCircuitBreaker_CancelledCallNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = cb.Call(ctx, func(ctx context.Context) error { return ctx.Err() })

	if cb.GetState() != StateClosed {
		t.Errorf("Expected cancellation not to open the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := NewCircuitBreaker("test", 5, 1*time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(true)

	state, requests, failures, rate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected Closed, got %s", state)
	}
	if requests != 4 {
		t.Errorf("Expected 4 requests, got %d", requests)
	}
	if failures != 1 {
		t.Errorf("Expected 1 failure, got %d", failures)
	}
	if rate != 25.0 {
		t.Errorf("Expected failure rate 25.0, got %f", rate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)
	openBreaker(t, cb)

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected Closed after reset, got %s", cb.GetState())
	}
}
