package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const scanCount = 1000

// RedisKV stores every key under a common prefix so Clear only touches
// keys owned by this service.
type RedisKV struct {
	cl     *redis.Client
	prefix string
}

func NewRedisKV(cl *redis.Client, prefix string) *RedisKV {
	return &RedisKV{cl: cl, prefix: prefix}
}

func (s *RedisKV) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := s.cl.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("cannot get key %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := s.cl.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("cannot set key %s: %w", key, err)
	}
	return nil
}

func (s *RedisKV) Remove(ctx context.Context, key string) error {
	if err := s.cl.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("cannot remove key %s: %w", key, err)
	}
	return nil
}

func (s *RedisKV) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.cl.Scan(ctx, cursor, s.prefix+":*", scanCount).Result()
		if err != nil {
			return fmt.Errorf("error scanning keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.cl.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("error deleting keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
