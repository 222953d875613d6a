package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"token-rotation/internal/observability"
)

type limitBackend interface {
	allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// LoginRateLimiter throttles credential-presenting endpoints per client IP
// and path. A backend failure lets the request through.
type LoginRateLimiter struct {
	backend limitBackend
	logger  *observability.Logger
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	maxHits, window = limitDefaults(maxHits, window)
	return &LoginRateLimiter{backend: &memoryLimit{
		maxHits:   maxHits,
		window:    window,
		hitByKey:  make(map[string][]time.Time),
		maxMemory: 5000,
	}}
}

// NewRedisLoginRateLimiter shares counters across instances.
func NewRedisLoginRateLimiter(client redis.UniversalClient, maxHits int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	maxHits, window = limitDefaults(maxHits, window)
	return &LoginRateLimiter{
		backend: &redisLimit{redis: client, maxHits: int64(maxHits), window: window, prefix: "rl"},
		logger:  logger,
	}
}

func limitDefaults(maxHits int, window time.Duration) (int, time.Duration) {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return maxHits, window
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path + ":" + observability.ClientIP(r)

		allowed, retryAfter, err := l.backend.allow(r.Context(), key, time.Now().UTC())
		if err != nil {
			l.logger.Warn("rate_limit_unavailable", map[string]any{"error": err.Error()})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type memoryLimit struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByKey  map[string][]time.Time
	maxMemory int
}

func (l *memoryLimit) allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		l.hitByKey[key] = filtered
		return false, atLeastSecond(filtered[0].Add(l.window).Sub(now)), nil
	}

	l.hitByKey[key] = append(filtered, now)

	if len(l.hitByKey) > l.maxMemory {
		for k, v := range l.hitByKey {
			if len(v) == 0 || v[len(v)-1].Before(threshold) {
				delete(l.hitByKey, k)
			}
		}
	}

	return true, 0, nil
}

// redisLimit is a fixed window: the first hit starts the window's expiry.
type redisLimit struct {
	redis   redis.UniversalClient
	maxHits int64
	window  time.Duration
	prefix  string
}

func (l *redisLimit) allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	key = l.prefix + ":" + key

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("increment rate limit: %w", err)
	}
	if count == 1 {
		if err := l.redis.PExpire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire rate limit: %w", err)
		}
	}
	if count <= l.maxHits {
		return true, 0, nil
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read rate limit ttl: %w", err)
	}

	return false, atLeastSecond(ttl), nil
}

func atLeastSecond(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
