package errors

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	RetryableError func(error) bool
}

// FixedDelayConfig returns a retry configuration that waits the same delay
// between every attempt and retries every error accepted by retryable.
func FixedDelayConfig(retries int, delay time.Duration, retryable func(error) bool) *RetryConfig {
	if retryable == nil {
		retryable = IsRecoverable
	}
	return &RetryConfig{
		MaxRetries:     retries,
		InitialDelay:   delay,
		MaxDelay:       delay,
		Multiplier:     1.0,
		Jitter:         false,
		RetryableError: retryable,
	}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry executes fn until it succeeds, returns a non-retryable error, or
// MaxRetries additional attempts have failed. The last error is returned as is.
func Retry(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !config.RetryableError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := calculateDelay(attempt, config)
		if delay <= 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for the next retry attempt
func calculateDelay(attempt int, config *RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		var b [8]byte
		_, _ = cryptorand.Read(b[:])
		randomFloat := float64(binary.LittleEndian.Uint64(b[:])) / float64(^uint64(0))
		jitter := randomFloat * 0.3 * delay // Up to 30% jitter
		delay = delay + jitter
	}

	return time.Duration(delay)
}

// Attempts returns how many times fn will be called at most under config.
func (c *RetryConfig) Attempts() int {
	return c.MaxRetries + 1
}

// String describes the retry schedule, used in log fields.
func (c *RetryConfig) String() string {
	return fmt.Sprintf("retries=%d delay=%s", c.MaxRetries, c.InitialDelay)
}
