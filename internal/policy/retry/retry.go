// Package retry decides when a failed fetch is worth repeating.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

// Config controls the backoff schedule. Attempts counts the first try, so 1
// disables retries.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Policy retries transient errors with jittered exponential backoff.
type Policy struct {
	cfg    Config
	jitter func(time.Duration) time.Duration
}

// New builds a Policy, filling zero fields with defaults.
func New(cfg Config) *Policy {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Policy{
		cfg: cfg,
		jitter: func(limit time.Duration) time.Duration {
			return rand.N(limit)
		},
	}
}

// ShouldRetry reports whether err, returned by the given zero-based attempt,
// deserves another try. Cancellation is final; network errors are retried only
// on timeouts.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt+1 >= p.cfg.Attempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the wait before the attempt following attempt. The result
// lies in [d/2, d) where d is BaseDelay doubled per attempt, capped at
// MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	half := time.Duration(delay / 2)
	if half <= 0 {
		return 0
	}
	return half + p.jitter(half)
}
