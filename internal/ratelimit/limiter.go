// Package ratelimit paces job starts with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DelayObserver records how long a caller was held back.
type DelayObserver func(time.Duration)

// Config allows Count job starts per Window. A zero Count disables limiting.
type Config struct {
	Count  int
	Window time.Duration
}

// Limiter gates job starts.
type Limiter struct {
	limiter  *rate.Limiter
	observer DelayObserver
}

// New builds a Limiter. The bucket starts full, so up to Count starts may
// happen back to back.
func New(cfg Config, observer DelayObserver) *Limiter {
	limit := rate.Inf
	burst := 1
	if cfg.Count > 0 && cfg.Window > 0 {
		limit = rate.Every(cfg.Window / time.Duration(cfg.Count))
		burst = cfg.Count
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, burst),
		observer: observer,
	}
}

// Wait blocks until a start token is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// tokens that were immediately available are not a delay
	if waited := time.Since(start); waited > time.Millisecond && l.observer != nil {
		l.observer(waited)
	}
	return nil
}

// Allow takes a token without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
