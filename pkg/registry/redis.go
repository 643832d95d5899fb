package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// keyPrefix namespaces every registry key in a shared Redis database.
const keyPrefix = "flagcheck"

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	FlagTTL  time.Duration `yaml:"flag_ttl"`
}

// RedisRegistry is a distributed Registry backed by Redis. Each flag is one
// key, "flagcheck:<space>:<key>", optionally expiring after FlagTTL.
type RedisRegistry struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
}

// NewRedisRegistry creates and connects a new RedisRegistry.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisRegistry(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisRegistry{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisRegistry").Logger(),
		ttl:         cfg.FlagTTL,
	}, nil
}

// IsFlagged reports whether the flag key exists.
func (r *RedisRegistry) IsFlagged(ctx context.Context, space, key string) (bool, error) {
	n, err := r.redisClient.Exists(ctx, redisKey(space, key)).Result()
	if err != nil {
		r.logger.Error().Err(err).Str("space", space).Str("key", key).Msg("Unexpected Redis error during lookup.")
		return false, fmt.Errorf("redis exists failed for key %s: %w", key, err)
	}
	return n > 0, nil
}

// Flag stores the flag key with the configured TTL. A zero TTL never expires.
func (r *RedisRegistry) Flag(ctx context.Context, space, key string) error {
	if err := r.redisClient.Set(ctx, redisKey(space, key), time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set flag in redis for key %s: %w", key, err)
	}
	r.logger.Debug().Str("space", space).Str("key", key).Msg("Flag stored.")
	return nil
}

// Unflag deletes the flag key.
func (r *RedisRegistry) Unflag(ctx context.Context, space, key string) error {
	if err := r.redisClient.Del(ctx, redisKey(space, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (r *RedisRegistry) Close() error {
	if r.redisClient != nil {
		r.logger.Info().Msg("Closing Redis client connection...")
		return r.redisClient.Close()
	}
	return nil
}

func redisKey(space, key string) string {
	return keyPrefix + ":" + space + ":" + key
}
