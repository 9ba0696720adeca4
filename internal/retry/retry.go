// Package retry provides bounded retry with exponential backoff for model
// provider calls. Transport failures are retried; request rejections and
// cancellations are surfaced immediately.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valetrun/valet/internal/llm"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 10 * time.Second
)

// Config holds retry tunables.
type Config struct {
	MaxAttempts    int           // maximum attempts (default: 3)
	InitialBackoff time.Duration // first backoff (default: 1s)
	MaxBackoff     time.Duration // backoff cap (default: 10s)
}

// Do executes fn with retry. It returns fn's result, or the last error once
// attempts are exhausted or a non-retryable error occurs. Context
// cancellation is honored between attempts and during backoff.
func Do[T any](ctx context.Context, fn func() (T, error), cfg Config) (T, error) {
	var zero T

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxDelay
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		backoff := calculateBackoff(attempt, cfg.InitialBackoff, cfg.MaxBackoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}

// IsRetryable classifies an error as a transient transport failure worth
// retrying. Provider rejections, auth failures, and explicit cancellation
// are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if llm.IsRejection(err) {
		return false
	}

	errLower := strings.ToLower(err.Error())

	nonRetryablePatterns := []string{
		"401",
		"403",
		"400",
		"404",
		"context canceled",
	}
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(errLower, pattern) {
			return false
		}
	}

	retryablePatterns := []string{
		"deadline exceeded",
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporary",
		"eof",
		"429",
		"too many requests",
		"rate limit",
		"502",
		"503",
		"504",
		"500",
		"connection",
		"network",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errLower, pattern) {
			return true
		}
	}

	return false
}

// calculateBackoff returns 2^attempt * initial, capped at max.
func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * initial
	if backoff > max {
		return max
	}
	return backoff
}
