package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig describes the Redis connection.
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore shares idempotency records between engine replicas. Expiry is
// enforced by Redis through the key TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisStoreWithClient(client, cfg.Prefix), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "agent_engine:idem:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error) {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil, false, fmt.Errorf("idempotency put: record %s already expired", rec.Key)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency encode: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+rec.Key, payload, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("idempotency put: %w", err)
	}
	if ok {
		return rec, true, nil
	}
	existing, err := s.Get(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Expired between SETNX and GET; the caller's result stands.
		return rec, false, nil
	}
	return existing, false, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
