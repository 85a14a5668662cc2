package fault

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls the exponential-backoff retry policy shared by
// the communication and workflow failure paths.
type RetryConfig struct {
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`     // retries after the first failure
	BaseDelay    time.Duration `json:"base_delay" yaml:"base_delay"`       // delay before the first retry
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`         // cap on any single delay
	JitterFactor float64       `json:"jitter_factor" yaml:"jitter_factor"` // ±fraction applied to each delay
}

// DefaultRetryConfig returns the stock policy: three retries at
// 1s, 2s, 4s (capped at 30s) with ±25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseDelay×2^attempt, capped at MaxDelay, with jitter applied.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * c.JitterFactor * float64(delay)
		delay = time.Duration(float64(delay) + jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Retry runs op, then retries it up to MaxRetries times with backoff
// between attempts. It stops early on success, on a permanent error, or
// when ctx is done, and returns the last error.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryWithResult is Retry for operations that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if IsPermanent(err) || attempt >= cfg.MaxRetries {
			return zero, lastErr
		}
		select {
		case <-time.After(cfg.Backoff(attempt)):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry canceled: %w", ctx.Err())
		}
	}
}
