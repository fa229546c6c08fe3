package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sheetsync/internal/config"
	"sheetsync/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "sheet_cache:"
	redisGenKeyPrefix = "sheet_cache_gen:"
)

// Bumps the generation, then marks an existing, still valid entry as
// invalidated. Absent keys are left absent so an invalidation can never
// resurrect an entry.
var invalidateScript = redis.NewScript(`
redis.call('INCR', KEYS[2])
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'state') == ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'invalidated_at', ARGV[2])
return 1
`)

// Stores a valid entry only while the generation still equals ARGV[1].
var setIfGenerationScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2]) or '0'
if cur ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'snapshot', ARGV[2], 'state', ARGV[3], 'fetched_at', ARGV[4])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

// RedisCache stores one hash per sheet so every replica shares freshness state.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(ctx context.Context, sheetID string) (json.RawMessage, bool, error) {
	entry, err := c.Entry(ctx, sheetID)
	if err != nil {
		return nil, false, err
	}
	if !entry.Fresh() {
		return nil, false, nil
	}
	return entry.Snapshot, true, nil
}

func (c *RedisCache) Set(ctx context.Context, sheetID string, snapshot json.RawMessage) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	key := redisKeyPrefix + sheetID
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"snapshot", string(snapshot),
			"state", models.CacheValid,
			"fetched_at", now,
		)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set sheet cache in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Generation(ctx context.Context, sheetID string) (uint64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	gen, err := c.client.Get(ctx, redisGenKeyPrefix+sheetID).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sheet cache generation from redis: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) SetIfGeneration(ctx context.Context, sheetID string, snapshot json.RawMessage, gen uint64) (bool, error) {
	if c.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	keys := []string{redisKeyPrefix + sheetID, redisGenKeyPrefix + sheetID}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	stored, err := setIfGenerationScript.Run(ctx, c.client, keys,
		strconv.FormatUint(gen, 10), string(snapshot), models.CacheValid, now, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to set sheet cache in redis: %w", err)
	}
	return stored == 1, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, sheetID string) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	keys := []string{redisKeyPrefix + sheetID, redisGenKeyPrefix + sheetID}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := invalidateScript.Run(ctx, c.client, keys, models.CacheInvalidated, now).Err(); err != nil {
		return fmt.Errorf("failed to invalidate sheet cache in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Entry(ctx context.Context, sheetID string) (*models.CacheEntry, error) {
	if c.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	fields, err := c.client.HGetAll(ctx, redisKeyPrefix+sheetID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sheet cache from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	entry := &models.CacheEntry{
		SheetID:  sheetID,
		Snapshot: json.RawMessage(fields["snapshot"]),
		State:    fields["state"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["fetched_at"]); err == nil {
		entry.FetchedAt = ts
	}
	if raw, ok := fields["invalidated_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.InvalidatedAt = &ts
		}
	}
	return entry, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
