// Package store provides typed access to the shared Redis state store: hash
// and set primitives for profile and waiting-pool data, plus a registry of
// server-side Lua transactions executed atomically via EVALSHA.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection with the typed operations the matching
// engine needs. All multi-step mutations go through Registry transactions;
// Client itself only exposes single-key primitives.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to Redis at the given address and verifies the
// connection with a bounded ping.
func NewClient(addr string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewClientFromRedis wraps an existing Redis client, used by tests that
// manage their own connection.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// HashGet returns a single hash field. A missing key or field yields an
// empty string and no error.
func (c *Client) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: hget %s %s: %w", key, field, err)
	}
	return val, nil
}

// HashSet writes the given field/value pairs to a hash.
func (c *Client) HashSet(ctx context.Context, key string, pairs ...interface{}) error {
	if err := c.rdb.HSet(ctx, key, pairs...).Err(); err != nil {
		return fmt.Errorf("store: hset %s: %w", key, err)
	}
	return nil
}

// HashDelete removes fields from a hash.
func (c *Client) HashDelete(ctx context.Context, key string, fields ...string) error {
	if err := c.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("store: hdel %s: %w", key, err)
	}
	return nil
}

// SetAdd adds members to a set.
func (c *Client) SetAdd(ctx context.Context, key string, members ...interface{}) error {
	if err := c.rdb.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("store: sadd %s: %w", key, err)
	}
	return nil
}

// SetRemove removes members from a set.
func (c *Client) SetRemove(ctx context.Context, key string, members ...interface{}) error {
	if err := c.rdb.SRem(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("store: srem %s: %w", key, err)
	}
	return nil
}

// SetMembers returns all members of a set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers %s: %w", key, err)
	}
	return members, nil
}

// Exists reports whether the given key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Redis exposes the underlying client for components that need direct
// access (the rate limiter, tests).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
