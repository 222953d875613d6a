package auth

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-rotation/internal/observability"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func hit(h http.Handler, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	observability.ClientIPMiddleware(1, h).ServeHTTP(rec, req)
	return rec
}

func TestMemoryLimit_Allow(t *testing.T) {
	limiter := &memoryLimit{maxHits: 2, window: time.Minute, hitByKey: map[string][]time.Time{}, maxMemory: 10}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.allow(context.Background(), "k", now)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, retryAfter, err := limiter.allow(context.Background(), "k", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 50*time.Second, retryAfter)

	allowed, _, _ = limiter.allow(context.Background(), "k", now.Add(61*time.Second))
	assert.True(t, allowed, "window slides")
}

func TestLoginRateLimiter_Middleware(t *testing.T) {
	h := NewLoginRateLimiter(2, time.Minute).Middleware(okHandler)

	assert.Equal(t, http.StatusNoContent, hit(h, "/auth/login", "1.1.1.1").Code)
	assert.Equal(t, http.StatusNoContent, hit(h, "/auth/login", "1.1.1.1").Code)

	blocked := hit(h, "/auth/login", "1.1.1.1")
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.NotEmpty(t, blocked.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, hit(h, "/auth/login", "2.2.2.2").Code, "other clients are unaffected")
	assert.Equal(t, http.StatusNoContent, hit(h, "/auth/refresh", "1.1.1.1").Code, "paths are limited separately")

	spoofed := hit(h, "/auth/login", "9.9.9.9, 1.1.1.1")
	assert.Equal(t, http.StatusTooManyRequests, spoofed.Code, "a caller-supplied hop does not reset the limit")
}

func TestRedisLoginRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logs := &bytes.Buffer{}
	h := NewRedisLoginRateLimiter(rdb, 2, time.Minute, observability.NewLoggerTo(logs)).Middleware(okHandler)

	assert.Equal(t, http.StatusNoContent, hit(h, "/auth/login", "1.1.1.1").Code)
	assert.Equal(t, http.StatusNoContent, hit(h, "/auth/login", "1.1.1.1").Code)

	blocked := hit(h, "/auth/login", "1.1.1.1")
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "60", blocked.Header().Get("Retry-After"))

	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, http.StatusNoContent, hit(h, "/auth/login", "1.1.1.1").Code, "window expired")

	mr.Close()
	assert.Equal(t, http.StatusNoContent, hit(h, "/auth/login", "1.1.1.1").Code, "fails open")
	assert.Contains(t, logs.String(), "rate_limit_unavailable")
}
