package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lexiqai/livescribe/internal/apperr"
)

// ReconnectConfig holds configuration for reconnection logic.
// Attempt n waits Base^n seconds: 2s, 4s, 8s for the defaults.
type ReconnectConfig struct {
	MaxAttempts int     // Maximum number of reconnection attempts
	Base        float64 // Exponential base in seconds
	Clock       clock.Clock
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 3,
		Base:        2,
	}
}

// Delay returns the wait before the given 1-based attempt
func (c *ReconnectConfig) Delay(attempt int) time.Duration {
	return time.Duration(math.Pow(c.Base, float64(attempt)) * float64(time.Second))
}

// Schedule returns every delay the policy will wait, in order
func (c *ReconnectConfig) Schedule() []time.Duration {
	delays := make([]time.Duration, 0, c.MaxAttempts)
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		delays = append(delays, c.Delay(attempt))
	}
	return delays
}

// ReconnectFunc is a function that attempts to reconnect
type ReconnectFunc func(ctx context.Context) error

// AttemptFunc observes each scheduled attempt. It runs after the backoff
// timer is armed, so a mock clock may be advanced from inside it.
type AttemptFunc func(attempt int, delay time.Duration)

// Reconnect waits, then attempts to reconnect, up to MaxAttempts times.
// Fatal errors end the loop immediately. Exhaustion yields a fatal network
// error with code reconnect_exhausted.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig, onAttempt AttemptFunc) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		delay := config.Delay(attempt)
		timer := clk.Timer(delay)
		if onAttempt != nil {
			onAttempt(attempt, delay)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if apperr.IsFatal(err) {
			return err
		}
	}

	exhausted := apperr.Network(apperr.CodeReconnectExhausted,
		fmt.Sprintf("failed to reconnect after %d attempts", config.MaxAttempts), lastErr)
	exhausted.Fatal = true
	return exhausted
}
