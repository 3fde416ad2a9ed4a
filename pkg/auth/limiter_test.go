package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/arion-ai/arion/pkg/config"
)

func TestQuotaKey(t *testing.T) {
	tests := []struct {
		scope config.RateLimitScope
		want  string
	}{
		{config.ScopeIP, "ratelimit:api:ip:10.0.0.1"},
		{config.ScopeUser, "ratelimit:api:user:u-1"},
		{config.ScopeTenant, "ratelimit:api:tenant:t-1"},
		{config.ScopeGlobal, "ratelimit:api:global"},
	}
	for _, tt := range tests {
		q := config.QuotaConfig{Name: "api", Scope: tt.scope}
		assert.Equal(t, tt.want, QuotaKey(q, "10.0.0.1", "u-1", "t-1"))
	}
}

func TestLocalLimiter_Allow(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()
	quota := config.QuotaConfig{Name: "burst", Limit: 3, Window: time.Minute, Scope: config.ScopeUser}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, quota, "ratelimit:burst:user:u-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within limit", i+1)
	}

	d, err := l.Allow(ctx, quota, "ratelimit:burst:user:u-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "burst", d.Quota)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// A different key has its own bucket.
	d, err = l.Allow(ctx, quota, "ratelimit:burst:user:u-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()

	var container *tcredis.RedisContainer
	var startErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				startErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, startErr = tcredis.Run(ctx, "redis:7-alpine")
	}()
	if startErr != nil {
		t.Skipf("docker not available: %v", startErr)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)

	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLimiter(rdb)
	quota := config.QuotaConfig{Name: "api", Limit: 2, Window: 2 * time.Second, Scope: config.ScopeUser}
	key := QuotaKey(quota, "", "u-1", "")

	d1, err := l.Allow(ctx, quota, key)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)
	assert.Equal(t, 1, d1.Remaining)

	d2, err := l.Allow(ctx, quota, key)
	require.NoError(t, err)
	assert.True(t, d2.Allowed)
	assert.Equal(t, 0, d2.Remaining)

	d3, err := l.Allow(ctx, quota, key)
	require.NoError(t, err)
	assert.False(t, d3.Allowed)
	assert.Greater(t, d3.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d3.RetryAfter, 2*time.Second)

	// After the window expires the counter resets.
	time.Sleep(2100 * time.Millisecond)
	d4, err := l.Allow(ctx, quota, key)
	require.NoError(t, err)
	assert.True(t, d4.Allowed)
}
