package blacklist

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore relies on key expiry; entries never need manual deletion.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bl"
	}
	return &RedisStore{redis: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(digest string) string {
	return s.prefix + ":" + digest
}

func (s *RedisStore) Add(ctx context.Context, digest string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	if err := s.redis.SetNX(ctx, s.key(digest), 1, ttl).Err(); err != nil {
		return unavailable("blacklist access token", err)
	}

	return nil
}

func (s *RedisStore) Contains(ctx context.Context, digest string) (bool, error) {
	count, err := s.redis.Exists(ctx, s.key(digest)).Result()
	if err != nil {
		return false, unavailable("check blacklist", err)
	}

	return count > 0, nil
}
