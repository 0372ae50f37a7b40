// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

// Package listencache maintains the Redis-backed listen side channels: the
// per-day listen counter and the recent-listens cache.
//
// Both are best-effort. Callers log and swallow errors from this package;
// a Redis outage never affects acknowledgment or the primary write path.
package listencache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/audiolith/listenwriter/internal/config"
	"github.com/audiolith/listenwriter/internal/listen"
)

const (
	dayCountKeyPrefix = "listen_count:"
	recentListensKey  = "recent_listens"

	// Day counters are kept long enough for dashboards but not forever.
	dayCountTTL = 90 * 24 * time.Hour
)

// Cache wraps the Redis client used for the listen side channels.
type Cache struct {
	rdb       *redis.Client
	recentMax int
}

// New creates a cache from configuration. The connection is verified lazily;
// use Ping for a startup check.
func New(cfg config.RedisConfig) *Cache {
	return &Cache{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		recentMax: cfg.RecentListensMax,
	}
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// IncrementListenCount adds count to the listen counter of the given day.
func (c *Cache) IncrementListenCount(ctx context.Context, day time.Time, count int) error {
	key := dayCountKeyPrefix + day.UTC().Format("2006-01-02")

	pipe := c.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, int64(count))
	pipe.Expire(ctx, key, dayCountTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment day count %s: %w", key, err)
	}
	return nil
}

// UpdateRecentListens adds the listens to the recent-listens sorted set,
// scored by listen timestamp, and trims it to the configured maximum.
func (c *Cache) UpdateRecentListens(ctx context.Context, listens []listen.Listen) error {
	if len(listens) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(listens))
	for _, l := range listens {
		payload, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode recent listen: %w", err)
		}
		members = append(members, redis.Z{
			Score:  float64(l.ListenedAt),
			Member: payload,
		})
	}

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, recentListensKey, members...)
	pipe.ZRemRangeByRank(ctx, recentListensKey, 0, int64(-(c.recentMax + 1)))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update recent listens: %w", err)
	}
	return nil
}
