package sideeffect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "outflow:sideeffect:"

// RedisStore persists side-effect records in Redis with a TTL. Records only
// need to outlive the outbox retry window, so expiry keeps the cache
// bounded.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore connects to Redis at url (redis:// form) and stores records
// with the given ttl. A zero ttl keeps records indefinitely.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get side-effect record: %w", err)
	}

	var record Record

	err = json.Unmarshal(raw, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal side-effect record: %w", err)
	}

	return &record, nil
}

func (s *RedisStore) Put(ctx context.Context, record *Record) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now()
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal side-effect record: %w", err)
	}

	err = s.client.Set(ctx, keyPrefix+record.Key, raw, s.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store side-effect record: %w", err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
