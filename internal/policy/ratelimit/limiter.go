// Package ratelimit implements a per-host token bucket with jitter.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrapewire/internal/metrics"
)

// Limiter manages per-host rate limits. After a token is granted the caller
// additionally sleeps a random duration up to Jitter so requests released
// together do not hit a host in lockstep.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	jitter       func() time.Duration
}

// Config holds rate limiter configuration. Requests per Per is the sustained
// rate; Requests <= 0 disables limiting.
type Config struct {
	Requests int
	Per      time.Duration
	// Burst defaults to Requests.
	Burst  int
	Jitter time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Inf
	if cfg.Requests > 0 {
		per := cfg.Per
		if per <= 0 {
			per = time.Second
		}
		r = rate.Every(per / time.Duration(cfg.Requests))
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(cfg.Requests, 1)
	}
	l := &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
	if cfg.Jitter > 0 {
		l.jitter = func() time.Duration { return rand.N(cfg.Jitter) }
	}
	return l
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if l.jitter != nil {
		if err := sleep(ctx, l.jitter()); err != nil {
			return fmt.Errorf("rate limit jitter: %w", err)
		}
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, d)
	}
	return nil
}

// Hosts returns how many hosts have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
