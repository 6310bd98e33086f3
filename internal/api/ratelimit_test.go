package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelligence-hub/internal/config"
)

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	limiter := NewMemoryLimiter(2, 80*time.Millisecond)
	defer limiter.Stop()
	ctx := context.Background()

	first, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	second, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Positive(t, third.RetryAfter)

	other, err := limiter.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	time.Sleep(100 * time.Millisecond)
	again, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, again.Allowed, "the window slides")
}

func TestMemoryLimiterDefendsDegenerateConfig(t *testing.T) {
	limiter := NewMemoryLimiter(0, 0)
	defer limiter.Stop()

	decision, err := limiter.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, defaultRateLimit, decision.Limit)
}

func TestNewLimiterFallsBackWithoutRedis(t *testing.T) {
	// Nothing listens on the configured port, so the redis probe fails
	// and the in-process window takes over.
	limiter := NewLimiter(config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}, nil)
	mem, ok := limiter.(*MemoryLimiter)
	require.True(t, ok)
	mem.Stop()
}

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.9:4321"
	assert.Equal(t, "10.0.0.9", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.4, 70.41.3.18")
	assert.Equal(t, "203.0.113.4", clientIP(req))
}
