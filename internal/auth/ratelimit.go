package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/cache"
	"github.com/feedline/feedline/internal/metrics"
)

// Decision is the outcome of one rate-limit check, carrying everything the
// HTTP layer needs for the X-RateLimit-* headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter enforces fixed 60-second windows per API key, backed by broker
// counters. An unreachable broker fails open.
type Limiter struct {
	cache   *cache.Client
	metrics *metrics.Registry
	now     func() time.Time
}

// NewLimiter creates a rate limiter over the broker client.
func NewLimiter(c *cache.Client, m *metrics.Registry) *Limiter {
	return &Limiter{cache: c, metrics: m, now: time.Now}
}

// Check counts the request against the identity's window. A limit of 0
// bypasses the counter entirely.
func (l *Limiter) Check(ctx context.Context, id Identity) Decision {
	now := l.now()

	if id.RateLimit == 0 {
		return Decision{
			Allowed:   true,
			Limit:     0,
			Remaining: 0,
			ResetAt:   now.Add(time.Minute),
		}
	}

	count, ttl, err := l.cache.IncrRateCounter(ctx, cache.RateLimitKey(id.Key))
	if err != nil {
		// Fail open: availability beats strictness when the broker is down.
		l.metrics.RateLimitBackendErrors.Inc()
		log.Warn().Err(err).Msg("rate limit backend unavailable, failing open")
		return Decision{
			Allowed:   true,
			Limit:     id.RateLimit,
			Remaining: id.RateLimit,
			ResetAt:   now.Add(time.Minute),
		}
	}

	remaining := id.RateLimit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   count <= int64(id.RateLimit),
		Limit:     id.RateLimit,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
	}
	if !d.Allowed {
		l.metrics.RateLimitRejections.Inc()
		d.RetryAfter = ttl
	}
	return d
}
