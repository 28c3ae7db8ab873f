// Package ratelimit implements token bucket rate limiting keyed by an opaque
// partition, such as a credential id or a probe scope.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/imagine-orchestrator/internal/metrics"
)

// Limiter manages per-partition rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	scope        string
}

// Config holds rate limiter configuration. Interval takes precedence over
// RPS when both are set; neither set means unlimited.
type Config struct {
	RPS      float64
	Interval time.Duration
	Burst    int
	// Scope labels recorded delays.
	Scope string
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Inf
	switch {
	case cfg.Interval > 0:
		r = rate.Every(cfg.Interval)
	case cfg.RPS > 0:
		r = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	scope := cfg.Scope
	if scope == "" {
		scope = "default"
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		scope:        scope,
	}
}

// Wait blocks until a token is available for partition, respecting the context.
func (l *Limiter) Wait(ctx context.Context, partition string) error {
	if l == nil || l.defaultRate == rate.Inf {
		return nil
	}
	limiter := l.limiterFor(partition)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if duration := time.Since(start); duration > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.scope, duration)
	}
	return nil
}

// Forget drops the bucket for partition, e.g. after a credential is removed.
func (l *Limiter) Forget(partition string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, partition)
}

func (l *Limiter) limiterFor(partition string) *rate.Limiter {
	if partition == "" {
		partition = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[partition]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[partition] = limiter
	}
	return limiter
}
