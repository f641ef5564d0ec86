package governance

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

func noSleep(rp *RetryPolicy) *RetryPolicy {
	rp.sleep = func(context.Context, time.Duration) error { return nil }
	return rp
}

func TestRetryPolicyDefaults(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: -1})
	cfg := rp.Config()
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 2.0, cfg.BackoffMultiplier, 0.0001)
	assert.True(t, cfg.RetryableStatusCodes[http.StatusTooManyRequests])
}

func TestRetryableClassifiesErrors(t *testing.T) {
	rp := NewRetryPolicy(DefaultRetryConfig())

	assert.False(t, rp.Retryable(nil))
	assert.False(t, rp.Retryable(context.Canceled))
	assert.False(t, rp.Retryable(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, rp.Retryable(statusErr(http.StatusServiceUnavailable)))
	assert.True(t, rp.Retryable(fmt.Errorf("call: %w", statusErr(http.StatusTooManyRequests))))
	assert.False(t, rp.Retryable(statusErr(http.StatusBadRequest)))
	assert.True(t, rp.Retryable(errUpstream), "transport errors are retried")
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
	})
	assert.Equal(t, 100*time.Millisecond, rp.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, rp.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, rp.Backoff(2))
	assert.Equal(t, time.Second, rp.Backoff(10))
	assert.Equal(t, time.Second, rp.Backoff(200), "overflow is capped")
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: 100 * time.Millisecond, Jitter: true})
	for range 50 {
		d := rp.Backoff(0)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 125*time.Millisecond)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	rp := noSleep(NewRetryPolicy(RetryConfig{MaxRetries: 3}))
	calls := 0
	attempts, err := rp.Do(context.Background(), func(attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return statusErr(http.StatusBadGateway)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	rp := noSleep(NewRetryPolicy(RetryConfig{MaxRetries: 3}))
	attempts, err := rp.Do(context.Background(), func(int) error {
		return statusErr(http.StatusUnauthorized)
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, attempts)
}

func TestDoWrapsLastErrorWhenExhausted(t *testing.T) {
	rp := noSleep(NewRetryPolicy(RetryConfig{MaxRetries: 2}))
	attempts, err := rp.Do(context.Background(), func(int) error {
		return statusErr(http.StatusServiceUnavailable)
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	var se StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode())
	assert.Equal(t, 3, attempts)
}

func TestDoWithoutRetriesReturnsErrorUnwrapped(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{})
	attempts, err := rp.Do(context.Background(), func(int) error { return errUpstream })
	assert.Equal(t, errUpstream, err)
	assert.Equal(t, 1, attempts)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := rp.Do(ctx, func(int) error {
		calls++
		cancel()
		return errUpstream
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
