package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstreamLimiterDefaults(t *testing.T) {
	stats := NewUpstreamLimiter(RateLimitConfig{}).Stats()
	assert.Equal(t, 100, stats.Limit)
	assert.Equal(t, 100, stats.Burst)
	assert.InDelta(t, 100.0, stats.Available, 0.5, "bucket starts full")

	stats = NewUpstreamLimiter(RateLimitConfig{RequestsPerSecond: 5}).Stats()
	assert.Equal(t, 5, stats.Burst, "burst defaults to the rate")
}

func TestUpstreamLimiterAllowSpendsBurst(t *testing.T) {
	l := NewUpstreamLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
	assert.Less(t, l.Stats().Available, 1.0)
}

func TestUpstreamLimiterWaitPaces(t *testing.T) {
	l := NewUpstreamLimiter(RateLimitConfig{RequestsPerSecond: 50, Burst: 1})
	require.NoError(t, l.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestUpstreamLimiterWaitHonoursContext(t *testing.T) {
	l := NewUpstreamLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Less(t, l.Stats().Available, 1.0)
}
