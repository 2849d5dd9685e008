// Package redis wraps go-redis with the string, hash and list commands the
// status store, task queues, locks and query cache need. Every key passes
// through the configured prefix so several deployments can share a server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewClient connects and pings the server, giving up after five seconds or
// when ctx ends.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	c := &Client{rdb: rdb, prefix: cfg.KeyPrefix}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return c, nil
}

func (c *Client) key(k string) string { return c.prefix + k }

func (c *Client) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = c.key(k)
	}
	return out
}

// IsNilError reports whether err means the key or field does not exist.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *Client) Close() error { return c.rdb.Close() }

// Strings

func (c *Client) Get(ctx context.Context, k string) (string, error) {
	return c.rdb.Get(ctx, c.key(k)).Result()
}

// Set stores value; a zero ttl never expires.
func (c *Client) Set(ctx context.Context, k string, value any, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.key(k), value, ttl).Err()
}

// SetNX stores value only when k is absent and reports whether it did.
func (c *Client) SetNX(ctx context.Context, k string, value any, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key(k), value, ttl).Result()
}

func (c *Client) IncrBy(ctx context.Context, k string, n int64) (int64, error) {
	return c.rdb.IncrBy(ctx, c.key(k), n).Result()
}

func (c *Client) Del(ctx context.Context, ks ...string) error {
	return c.rdb.Del(ctx, c.keys(ks)...).Err()
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// DelIfEquals deletes k only while it still holds value, atomically.
func (c *Client) DelIfEquals(ctx context.Context, k, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{c.key(k)}, value).Int()
	return n == 1, err
}

// Hashes

func (c *Client) HGet(ctx context.Context, k, field string) (string, error) {
	return c.rdb.HGet(ctx, c.key(k), field).Result()
}

func (c *Client) HGetAll(ctx context.Context, k string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, c.key(k)).Result()
}

func (c *Client) HSet(ctx context.Context, k, field string, value any) error {
	return c.rdb.HSet(ctx, c.key(k), field, value).Err()
}

// HSetNX sets field only when it is absent and reports whether it did.
func (c *Client) HSetNX(ctx context.Context, k, field string, value any) (bool, error) {
	return c.rdb.HSetNX(ctx, c.key(k), field, value).Result()
}

func (c *Client) HDel(ctx context.Context, k string, fields ...string) error {
	return c.rdb.HDel(ctx, c.key(k), fields...).Err()
}

// Lists

func (c *Client) RPush(ctx context.Context, k string, values ...any) error {
	return c.rdb.RPush(ctx, c.key(k), values...).Err()
}

func (c *Client) LPop(ctx context.Context, k string) (string, error) {
	return c.rdb.LPop(ctx, c.key(k)).Result()
}

// LIndex reads the element at i without removing it.
func (c *Client) LIndex(ctx context.Context, k string, i int64) (string, error) {
	return c.rdb.LIndex(ctx, c.key(k), i).Result()
}

func (c *Client) LLen(ctx context.Context, k string) (int64, error) {
	return c.rdb.LLen(ctx, c.key(k)).Result()
}
