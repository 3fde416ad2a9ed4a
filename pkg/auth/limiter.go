package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/arion-ai/arion/pkg/config"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Quota      string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter evaluates a named quota for a caller key.
type Limiter interface {
	Allow(ctx context.Context, quota config.QuotaConfig, key string) (Decision, error)
}

// QuotaKey builds the counter key for a quota from the caller identity
// matching the quota's scope.
func QuotaKey(quota config.QuotaConfig, ip, userID, tenantID string) string {
	switch quota.Scope {
	case config.ScopeIP:
		return fmt.Sprintf("ratelimit:%s:ip:%s", quota.Name, ip)
	case config.ScopeUser:
		return fmt.Sprintf("ratelimit:%s:user:%s", quota.Name, userID)
	case config.ScopeTenant:
		return fmt.Sprintf("ratelimit:%s:tenant:%s", quota.Name, tenantID)
	default:
		return fmt.Sprintf("ratelimit:%s:global", quota.Name)
	}
}

// RedisLimiter implements fixed windows with atomic INCR + EXPIRE NX.
// Counters are shared across pods, which is what makes the quota global.
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter wraps an existing redis client.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (l *RedisLimiter) Allow(ctx context.Context, quota config.QuotaConfig, key string) (Decision, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the window anchored at the first hit; later hits in the
	// same window must not push the expiry out.
	pipe.ExpireNX(ctx, key, quota.Window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit pipeline failed: %w", err)
	}

	count := incr.Val()
	d := Decision{
		Quota:     quota.Name,
		Limit:     quota.Limit,
		Allowed:   count <= int64(quota.Limit),
		Remaining: quota.Limit - int(count),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = ttl.Val()
		if d.RetryAfter <= 0 {
			d.RetryAfter = quota.Window
		}
	}
	return d, nil
}

// LocalLimiter is the in-process fallback used when Redis is not
// configured. Token buckets approximate the fixed window; counters are
// per pod, so limits are only locally enforced.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter returns an empty local limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*localBucket)}
}

const localLimiterMaxIdle = 10 * time.Minute

func (l *LocalLimiter) Allow(_ context.Context, quota config.QuotaConfig, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		interval := quota.Window / time.Duration(quota.Limit)
		if interval <= 0 {
			interval = time.Nanosecond
		}
		b = &localBucket{limiter: rate.NewLimiter(rate.Every(interval), quota.Limit)}
		l.buckets[key] = b
		l.pruneLocked()
	}
	b.lastSeen = time.Now()

	d := Decision{
		Quota:   quota.Name,
		Limit:   quota.Limit,
		Allowed: b.limiter.Allow(),
	}
	d.Remaining = int(b.limiter.Tokens())
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = quota.Window
	}
	return d, nil
}

// pruneLocked evicts idle buckets. Called with the lock held.
func (l *LocalLimiter) pruneLocked() {
	if len(l.buckets) < 4096 {
		return
	}
	cutoff := time.Now().Add(-localLimiterMaxIdle)
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// NewLimiter selects the redis-backed limiter when redis is configured,
// falling back to local token buckets otherwise.
func NewLimiter(redisCfg config.RedisConfig) (Limiter, *redis.Client) {
	if !redisCfg.Enabled() {
		slog.Info("Rate limiting using local token buckets (no redis configured)")
		return NewLocalLimiter(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
		PoolSize: redisCfg.PoolSize,
	})
	slog.Info("Rate limiting using redis fixed windows", "addr", redisCfg.Addr)
	return NewRedisLimiter(rdb), rdb
}
