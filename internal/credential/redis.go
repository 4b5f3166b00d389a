package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps the slot in a Redis string. Useful when several local processes share one login.
type RedisStore struct {
	rdb *goredis.Client
	key string
}

func NewRedisStore(rdb *goredis.Client, key string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{rdb: rdb, key: key}, nil
}

// DialRedis connects and pings, closing the client if the ping fails.
func DialRedis(addr string) (*goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) Key() string { return s.key }

func (s *RedisStore) Get(ctx context.Context) (string, error) {
	value, err := s.rdb.Get(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, value string) error {
	if err := s.rdb.Set(ctx, s.key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
