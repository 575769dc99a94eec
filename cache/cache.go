// Package cache provides a Redis read-through cache for word lookup results.
// A nil client disables caching; every call then behaves like a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chzzk-bot/telemetry"
)

const keyPrefix = "chzzkbot:lookup:"

type metricsHook struct{}

func (metricsHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			telemetry.IncLabel(telemetry.CacheErrors, cmd.Name())
		}
		return err
	}
}

func (metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			telemetry.IncLabel(telemetry.CacheErrors, "pipeline")
		}
		return err
	}
}

// Connect returns a client for addr (host:port or redis:// URL) after a
// successful ping. An empty addr returns nil, nil.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ADDR %q: %w", addr, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	client.AddHook(metricsHook{})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// LookupCache caches word counts keyed by start character.
type LookupCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLookupCache wraps rdb. rdb may be nil.
func NewLookupCache(rdb *redis.Client, ttl time.Duration) *LookupCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LookupCache{rdb: rdb, ttl: ttl}
}

// Enabled reports whether a Redis client is configured.
func (c *LookupCache) Enabled() bool { return c != nil && c.rdb != nil }

// GetCount returns the cached count for startChar. Redis errors count as a
// miss.
func (c *LookupCache) GetCount(ctx context.Context, startChar string) (int, bool) {
	if !c.Enabled() {
		return 0, false
	}
	v, err := c.rdb.Get(ctx, keyPrefix+startChar).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("lookup cache get failed", slog.Any("err", err), slog.String("component", "cache"))
		}
		telemetry.IncLabel(telemetry.CacheLookups, "miss")
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		telemetry.IncLabel(telemetry.CacheLookups, "miss")
		return 0, false
	}
	telemetry.IncLabel(telemetry.CacheLookups, "hit")
	return n, true
}

// SetCount stores n for startChar with the cache TTL.
func (c *LookupCache) SetCount(ctx context.Context, startChar string, n int) {
	if !c.Enabled() {
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+startChar, strconv.Itoa(n), c.ttl).Err(); err != nil {
		slog.Debug("lookup cache set failed", slog.Any("err", err), slog.String("component", "cache"))
	}
}

// Purge deletes every cached lookup and returns how many keys were removed.
func (c *LookupCache) Purge(ctx context.Context) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}
	var removed int
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			n, err := c.rdb.Del(ctx, batch...).Result()
			if err != nil {
				return removed, fmt.Errorf("purge lookup cache: %w", err)
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan lookup cache: %w", err)
	}
	if len(batch) > 0 {
		n, err := c.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return removed, fmt.Errorf("purge lookup cache: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// Ping checks the Redis connection; a disabled cache is always healthy.
func (c *LookupCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}
