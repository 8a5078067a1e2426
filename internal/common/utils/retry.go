package utils

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls RetryWithBackoff. MaxAttempts counts the initial
// attempt; the delay grows by BackoffFactor per attempt, capped at MaxDelay,
// with up to JitterFactor of the delay added as random slack.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// RetryWithBackoff runs fn until it succeeds, the attempts run out, or the
// context is cancelled. The terminal error wraps the last failure.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := delay
		if config.JitterFactor > 0 {
			if jitter := int64(float64(delay) * config.JitterFactor); jitter > 0 {
				wait += time.Duration(rand.Int63n(jitter))
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Retry runs fn up to attempts times with a fixed delay between attempts.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	return RetryWithBackoff(context.Background(), RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1.0,
	}, fn)
}
