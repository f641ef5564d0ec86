package governance

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by Wait when the context ends before a token
// becomes available.
var ErrRateLimited = errors.New("upstream rate limit")

// RateLimitConfig throttles calls to one upstream.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" json:"requestsPerSecond"`
	Burst             int `yaml:"burst" json:"burst"`
}

// RateLimitStats exposes the current state of a limiter.
type RateLimitStats struct {
	Limit     int     `json:"limit"`
	Burst     int     `json:"burst"`
	Available float64 `json:"available"`
}

// UpstreamLimiter paces calls to one upstream. Callers wait for a token
// instead of being rejected.
type UpstreamLimiter struct {
	limiter *rate.Limiter
}

// NewUpstreamLimiter creates a limiter with a full bucket. A non-positive
// burst defaults to the rate, a non-positive rate to 100 per second.
func NewUpstreamLimiter(cfg RateLimitConfig) *UpstreamLimiter {
	rps, burst := cfg.RequestsPerSecond, cfg.Burst
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = rps
	}
	return &UpstreamLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow takes a token if one is available right now.
func (l *UpstreamLimiter) Allow() bool {
	return l.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done. It gives up early
// when the wait would outlast the context deadline.
func (l *UpstreamLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

// Stats returns the current limiter state.
func (l *UpstreamLimiter) Stats() RateLimitStats {
	return RateLimitStats{
		Limit:     int(l.limiter.Limit()),
		Burst:     l.limiter.Burst(),
		Available: l.limiter.Tokens(),
	}
}
