package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

const (
	redisKeyPrefix   = "straddle:instance:"
	redisDefaultTTL  = 24 * time.Hour
	redisPutAttempts = 3
)

// RedisConfig holds connection settings for the live cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache keeps live snapshots in Redis so a restarted process or a
// control-plane command sees the same state.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = redisDefaultTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

func redisKey(instanceID string) string {
	return redisKeyPrefix + instanceID
}

func (c *RedisCache) Get(ctx context.Context, instanceID string) (*models.Strategy, error) {
	data, err := c.rdb.Get(ctx, redisKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, err
	}
	var st models.Strategy
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode cached %s: %w", instanceID, err)
	}
	return &st, nil
}

// Put writes st under WATCH so a concurrent writer holding a newer version
// is never overwritten.
func (c *RedisCache) Put(ctx context.Context, st *models.Strategy) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := redisKey(st.InstanceID)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var existing struct {
				Version int64 `json:"version"`
			}
			if json.Unmarshal(cur, &existing) == nil && existing.Version >= st.Version {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisPutAttempts; i++ {
		err = c.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis put %s: %w", st.InstanceID, err)
}

func (c *RedisCache) Delete(ctx context.Context, instanceID string) error {
	return c.rdb.Del(ctx, redisKey(instanceID)).Err()
}

func (c *RedisCache) Shared() bool { return true }

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
