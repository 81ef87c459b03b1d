package resilience

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for the exponential backoff retry logic.
type RetryConfig struct {
	MaxRetries int           // Retries after the first attempt
	BaseDelay  time.Duration // Initial delay before first retry
	MaxDelay   time.Duration // Maximum delay cap

	// ShouldRetry decides which errors get another attempt. Defaults to
	// IsRetryable.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig mirrors the RunPod endpoint defaults: three retries
// starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryableFunc is a function that can be retried.
// It should return a non-nil error to trigger a retry.
type RetryableFunc func(ctx context.Context) error

// StatusCarrier is implemented by errors that know the HTTP status of the
// call that produced them. A zero status means no response was received.
type StatusCarrier interface {
	HTTPStatus() int
}

// IsRetryable reports whether err is worth another attempt: no response at
// all, 429, or any 5xx. Other 4xx responses will not change on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCarrier
	if !errors.As(err, &sc) {
		return false
	}
	status := sc.HTTPStatus()
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// Retry executes fn with exponential backoff and full jitter.
// delay = rand(0, min(maxDelay, baseDelay * 2^attempt))
// Only errors accepted by cfg.ShouldRetry are retried; the last error is
// returned unwrapped so callers can inspect it.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return errors.Wrap(err, "retry: context cancelled")
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxRetries || !shouldRetry(lastErr) {
			break
		}

		delay := calculateDelay(attempt, cfg.BaseDelay, cfg.MaxDelay)
		log.Debug().Err(lastErr).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying after failure")

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}

	return lastErr
}

// calculateDelay computes the jittered backoff delay.
// Uses "Full Jitter": delay = rand(0, min(cap, base * 2^attempt))
func calculateDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	expDelay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if expDelay > float64(maxDelay) {
		expDelay = float64(maxDelay)
	}

	jitteredDelay := time.Duration(rand.Float64() * expDelay)
	if jitteredDelay < time.Millisecond {
		jitteredDelay = time.Millisecond
	}

	return jitteredDelay
}
