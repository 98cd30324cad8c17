// Package kv provides the shared key-value counter store backing the
// download rate limiter and the per-course processing sets.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
)

// incrementIfBelow checks and increments in one server-side step so two
// workers can never both claim the last slot.
var incrementIfBelow = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// decrementClamped decrements without letting the counter go negative, which
// would otherwise over-grant slots after a double release.
var decrementClamped = redis.NewScript(`
local value = redis.call('DECR', KEYS[1])
if value < 0 then
	redis.call('SET', KEYS[1], '0', 'KEEPTTL')
	return 0
end
return value
`)

type redisStore struct {
	client  *redis.Client
	logger  observability.Logger
	metrics observability.Metrics
}

// NewRedis creates a Redis-backed CounterStore and verifies connectivity.
func NewRedis(cfg *config.RedisConfig, logger observability.Logger, metrics observability.Metrics) (CounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err, "addr", cfg.Addr)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis counter store initialized", "addr", cfg.Addr)

	return &redisStore{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (s *redisStore) IncrementIfBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	res, err := incrementIfBelow.Run(ctx, s.client, []string{key}, limit, int64(ttl.Seconds())).Int64()
	if err != nil {
		s.metrics.RecordError("kv_increment", "script_failed")
		return false, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *redisStore) Decrement(ctx context.Context, key string) error {
	if err := decrementClamped.Run(ctx, s.client, []string{key}).Err(); err != nil {
		s.metrics.RecordError("kv_decrement", "script_failed")
		return fmt.Errorf("failed to decrement counter %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Count(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return val, nil
}

func (s *redisStore) AddMember(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	added, err := s.client.SAdd(ctx, key, member).Result()
	if err != nil {
		s.metrics.RecordError("kv_sadd", "command_failed")
		return false, fmt.Errorf("failed to add member to %s: %w", key, err)
	}
	// Defensive TTL so an abandoned set self-heals.
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to set TTL on %s: %w", key, err)
	}
	return added == 1, nil
}

func (s *redisStore) RemoveMember(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, key, member).Err(); err != nil {
		s.metrics.RecordError("kv_srem", "command_failed")
		return fmt.Errorf("failed to remove member from %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
