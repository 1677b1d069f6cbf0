package snapshot

import (
	"context"
	"errors"
	"fmt"

	"gitasahayak/internal/redis"
)

const redisKeyPrefix = "gita:snapshot:"

// RedisBackend stores snapshot keys in a device-local redis. The quota is
// enforced per value.
type RedisBackend struct {
	client *redis.Client
	quota  int64
}

func NewRedisBackend(client *redis.Client, quota int64) *RedisBackend {
	return &RedisBackend{client: client, quota: quota}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, redisKeyPrefix+key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get snapshot %s: %w", key, err)
	}
	return val, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string) error {
	if b.quota > 0 && int64(len(value)) > b.quota {
		return ErrQuotaExceeded
	}
	if err := b.client.Set(ctx, redisKeyPrefix+key, value, 0); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Remove(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, redisKeyPrefix+key); err != nil {
		return fmt.Errorf("redis del snapshot %s: %w", key, err)
	}
	return nil
}
