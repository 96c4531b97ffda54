package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "wikimetrics:result:"

// RedisConfig selects the Redis instance used by RedisStore.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// TTL bounds how long results live. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`
}

// RedisStore keeps results in Redis, relying on SETNX for write-once semantics.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}
	return &RedisStore{client: client, prefix: defaultRedisPrefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) Put(ctx context.Context, key Key, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key.String(), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store result %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key Key, out any) error {
	data, err := s.client.Get(ctx, s.prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrAbsent, key)
	}
	if err != nil {
		return fmt.Errorf("load result %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode result %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
