// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/certa-qa/userpool/internal/log"
)

const availabilityKey = "userpool:availability"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// redisCache shares the availability snapshot across coordinator
// processes. Every operation degrades to a miss on Redis trouble; the
// caller recomputes from the store.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisConfig) (AvailabilityCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("cache")
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis")

	return &redisCache{client: client, ttl: cfg.TTL, logger: logger}, nil
}

func (c *redisCache) Get(ctx context.Context) (map[string]int, bool) {
	raw, err := c.client.Get(ctx, availabilityKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("redis get failed")
		}
		return nil, false
	}

	var avail map[string]int
	if err := json.Unmarshal(raw, &avail); err != nil {
		c.logger.Warn().Err(err).Msg("corrupt availability snapshot; dropping")
		c.Invalidate(ctx)
		return nil, false
	}
	return avail, true
}

func (c *redisCache) Set(ctx context.Context, avail map[string]int) {
	raw, err := json.Marshal(avail)
	if err != nil {
		c.logger.Warn().Err(err).Msg("marshal availability snapshot failed")
		return
	}
	if err := c.client.Set(ctx, availabilityKey, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis set failed")
	}
}

func (c *redisCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, availabilityKey).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis delete failed")
	}
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
