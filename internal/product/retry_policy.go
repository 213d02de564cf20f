package product

import (
	"math"
	"time"
)

// Backoff strategies.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait before the next one.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Strategy    string
	MaxDelay    time.Duration
}

// NewRetryPolicy builds a policy with defaults for zero values.
func NewRetryPolicy(maxAttempts int, base time.Duration, multiplier float64, strategy string, maxDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = 2 * time.Second
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if strategy == "" {
		strategy = BackoffLinear
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		Multiplier:  multiplier,
		Strategy:    strategy,
		MaxDelay:    maxDelay,
	}
}

// ShouldRetry reports whether an attempt that failed with code may run again.
// attempt is the number of attempts made so far, starting at 1.
func (p RetryPolicy) ShouldRetry(code FailureCode, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	switch code {
	case FailureNavigationTimeout, FailurePoolExhausted:
		return true
	case FailureUnknown:
		// unknown gets a single extra attempt
		return attempt < 2
	default:
		return false
	}
}

// Backoff returns the delay before attempt+1. It never decreases as attempt
// grows.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay float64
	switch p.Strategy {
	case BackoffExponential:
		delay = float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	default:
		delay = float64(p.BaseDelay) * float64(attempt)
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
