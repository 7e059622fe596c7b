// Package redis provides cross-replica coordination: named locks for the
// schedulers and a bounded history of finished runs.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for coordination between replicas.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// AcquireLock attempts to take a named lock. False means another holder
// has it.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(name), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases a named lock.
func (c *Client) ReleaseLock(ctx context.Context, name string) error {
	return c.rdb.Del(ctx, lockKey(name)).Err()
}

// RefreshLock extends the TTL of a held lock.
func (c *Client) RefreshLock(ctx context.Context, name string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, lockKey(name), ttl).Err()
}
