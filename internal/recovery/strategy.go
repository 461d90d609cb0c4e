package recovery

import (
	"math"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
)

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err *failure.Error, attempt int) bool
}

// ExponentialBackoff implements capped exponential backoff.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoff returns 1s, 2s, 4s, 8s, 16s, then 30s.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if the error is retryable and max attempts not exceeded.
// A non-positive MaxAttempts means no limit.
func (s *ExponentialBackoff) ShouldRetry(err *failure.Error, attempt int) bool {
	if err == nil || !err.Retryable() {
		return false
	}
	return s.MaxAttempts <= 0 || attempt < s.MaxAttempts
}
