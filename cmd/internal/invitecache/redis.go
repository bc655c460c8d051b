// Package invitecache caches invite code lookups in Redis.
package invitecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tontine/cmd/internal/tontine"
)

const (
	DefaultPrefix = "tontine:invite:"
	DefaultTTL    = 24 * time.Hour
)

// RedisCache maps invite codes to group ids with a TTL.
type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ tontine.CodeCache = (*RedisCache)(nil)

// Option configures a RedisCache.
type Option func(*RedisCache)

// WithPrefix overrides the key prefix.
func WithPrefix(p string) Option {
	return func(c *RedisCache) {
		if p = strings.TrimSpace(p); p != "" {
			c.prefix = p
		}
	}
}

// WithTTL sets how long an entry lives. Non-positive keeps the default.
func WithTTL(d time.Duration) Option {
	return func(c *RedisCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// New wraps a go-redis client.
func New(rdb redis.Cmdable, opts ...Option) (*RedisCache, error) {
	if rdb == nil {
		return nil, errors.New("invitecache: nil redis client")
	}
	c := &RedisCache{rdb: rdb, prefix: DefaultPrefix, ttl: DefaultTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Connect builds a client and verifies it answers PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (c *RedisCache) key(code string) string { return c.prefix + code }

func (c *RedisCache) Get(ctx context.Context, code string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, c.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (c *RedisCache) Set(ctx context.Context, code, groupID string) error {
	return c.rdb.Set(ctx, c.key(code), groupID, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, code string) error {
	return c.rdb.Del(ctx, c.key(code)).Err()
}
