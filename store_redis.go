package sitecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient captures the subset of redis.Client used by the store.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisStore struct {
	client RedisClient
	prefix string
}

func newRedisStore(client RedisClient, prefix string) Store {
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *redisStore) Driver() Driver {
	return DriverRedis
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, fmt.Errorf("redis: %w", ErrStoreUnavailable)
	}
	value, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

// Set writes without a redis expiry; entry expiry lives in the payload.
func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	if s.client == nil {
		return fmt.Errorf("redis: %w", ErrStoreUnavailable)
	}
	return s.client.Set(ctx, s.cacheKey(key), value, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if s.client == nil {
		return fmt.Errorf("redis: %w", ErrStoreUnavailable)
	}
	return s.client.Del(ctx, s.cacheKey(key)).Err()
}

func (s *redisStore) DeleteMany(ctx context.Context, keys ...string) error {
	if s.client == nil {
		return fmt.Errorf("redis: %w", ErrStoreUnavailable)
	}
	if len(keys) == 0 {
		return nil
	}
	cacheKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		cacheKeys = append(cacheKeys, s.cacheKey(key))
	}
	return s.client.Del(ctx, cacheKeys...).Err()
}

func (s *redisStore) cacheKey(key string) string {
	return s.prefix + ":" + key
}
