package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// ErrRetriesExhausted wraps the last upstream error once every retry failed.
var ErrRetriesExhausted = errors.New("upstream retries exhausted")

// StatusError is implemented by errors that carry an upstream HTTP status.
type StatusError interface {
	error
	StatusCode() int
}

// RetryConfig tunes upstream retries. MaxRetries counts retries after the
// first attempt, so zero means a single attempt.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" json:"maxRetries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"maxBackoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoffMultiplier"`
	Jitter            bool          `yaml:"jitter" json:"jitter"`
	// RetryableStatusCodes lists upstream statuses worth another attempt.
	RetryableStatusCodes map[int]bool `yaml:"retryable_status_codes" json:"retryableStatusCodes"`
}

// DefaultRetryConfig retries throttling and transient gateway failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        0,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			http.StatusRequestTimeout:     true,
			http.StatusTooManyRequests:    true,
			http.StatusBadGateway:         true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
		},
	}
}

// RetryPolicy runs an upstream call with exponential backoff.
type RetryPolicy struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy fills unset fields from DefaultRetryConfig.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = def.RetryableStatusCodes
	}
	return &RetryPolicy{config: config, sleep: sleepContext}
}

// Config returns the effective configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Retryable reports whether err is worth another attempt. Context
// cancellation never is; network errors and listed statuses are.
func (rp *RetryPolicy) Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se StatusError
	if errors.As(err, &se) {
		return rp.config.RetryableStatusCodes[se.StatusCode()]
	}
	return true
}

// Backoff returns the delay before retry number attempt (zero based).
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := rp.config.MaxBackoff
	if raw := float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)); raw < float64(rp.config.MaxBackoff) {
		backoff = time.Duration(raw)
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int64N(int64(backoff / 4)))
	}
	return backoff
}

// Do calls fn until it succeeds, returns a non-retryable error or the retry
// budget is spent. It returns the number of attempts made.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !rp.Retryable(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt == rp.config.MaxRetries {
			break
		}
		if err := rp.sleep(ctx, rp.Backoff(attempt)); err != nil {
			return attempt + 1, err
		}
	}
	if rp.config.MaxRetries == 0 {
		return 1, lastErr
	}
	return rp.config.MaxRetries + 1, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, rp.config.MaxRetries+1, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
