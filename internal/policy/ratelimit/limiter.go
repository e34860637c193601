// Package ratelimit spaces out requests to the same site with one token
// bucket per domain.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/curious-surfer/internal/metrics"
	"github.com/JakeFAU/curious-surfer/internal/urlutil"
)

// minRate is the floor ReportResult backs a throttling domain down to.
const minRate = rate.Limit(0.1)

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the domain of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := domainKey(rawURL)
	limiter := l.forDomain(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Waits under a millisecond mean a token was already there.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, d)
	}
	return nil
}

// ReportResult halves the domain's rate when the site signals throttling
// (429 or 503).
func (l *Limiter) ReportResult(rawURL string, statusCode int) {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusServiceUnavailable {
		return
	}
	limiter := l.forDomain(domainKey(rawURL))
	current := limiter.Limit()
	if current == rate.Inf {
		limiter.SetLimit(1)
		return
	}
	next := current / 2
	if next < minRate {
		next = minRate
	}
	limiter.SetLimit(next)
}

// Limit reports the current rate for the domain of rawURL.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.forDomain(domainKey(rawURL)).Limit()
}

func (l *Limiter) forDomain(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}

func domainKey(rawURL string) string {
	if d := urlutil.Domain(rawURL); d != "" {
		return d
	}
	return "unknown"
}
