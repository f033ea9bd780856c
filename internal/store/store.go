package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

// Client wraps the Redis client with additional functionality.
// It is the single shared-state surface for every governance component:
// counters, flags, cache entries, queue records and health samples all
// live behind this wrapper.
type Client struct {
	client *redis.Client
	config *config.StoreConfig
}

// NewClient creates a new store client
func NewClient(cfg *config.StoreConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("store configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Pool timeouts
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewStoreUnavailableError("connect", err)
	}

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests that back
// the store with an embedded server.
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

// Close closes the store connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Health checks the store connection health
func (c *Client) Health(ctx context.Context) error {
	if c.client == nil {
		return errors.NewInternalError("store client is nil")
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.NewStoreUnavailableError("ping", err)
	}

	return nil
}

// Client returns the underlying Redis client
func (c *Client) Client() *redis.Client {
	return c.client
}

// Stats returns store connection statistics
func (c *Client) Stats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Keys returns all keys matching the pattern
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailableError("keys", err)
	}
	return keys, nil
}

// Exists checks if keys exist
func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	count, err := c.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("exists", err)
	}
	return count, nil
}

// Del deletes keys
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	count, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("del", err)
	}
	return count, nil
}

// Set sets a key-value pair with optional expiration
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := c.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return errors.NewStoreUnavailableError("set", err)
	}
	return nil
}

// SetNX sets a key-value pair only if the key does not exist
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		return false, errors.NewStoreUnavailableError("setnx", err)
	}
	return ok, nil
}

// Get gets a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", errors.NewNotFoundError("key")
		}
		return "", errors.NewStoreUnavailableError("get", err)
	}
	return val, nil
}

// MGet gets multiple values in one round trip. Missing keys come back
// as empty strings.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]string, error) {
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailableError("mget", err)
	}

	result := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			result[i] = s
		}
	}
	return result, nil
}

// IncrBy atomically increments a counter
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("incrby", err)
	}
	return val, nil
}

// IncrByWithExpiry atomically increments a counter and refreshes its
// expiration in one pipelined batch, returning the new value.
func (c *Client) IncrByWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, delta)
		pipe.Expire(ctx, key, expiration)
		return nil
	})
	if err != nil {
		return 0, errors.NewStoreUnavailableError("incrby", err)
	}
	return incr.Val(), nil
}

// GetInt64 gets an integer counter value, returning 0 for a missing key
func (c *Client) GetInt64(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, errors.NewStoreUnavailableError("get", err)
	}
	return val, nil
}

// LPush pushes elements to the left of a list
func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) error {
	if err := c.client.LPush(ctx, key, values...).Err(); err != nil {
		return errors.NewStoreUnavailableError("lpush", err)
	}
	return nil
}

// LPushCapped pushes an element, trims the list to the given size and
// refreshes its expiration in one pipelined batch. This is the retained-
// window idiom used for health samples and event streams.
func (c *Client) LPushCapped(ctx context.Context, key string, value interface{}, maxLen int64, expiration time.Duration) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, maxLen-1)
		if expiration > 0 {
			pipe.Expire(ctx, key, expiration)
		}
		return nil
	})
	if err != nil {
		return errors.NewStoreUnavailableError("lpush", err)
	}
	return nil
}

// TrimList re-trims a capped list and refreshes its expiration without
// pushing anything. Maintenance passes use it on retained windows.
func (c *Client) TrimList(ctx context.Context, key string, maxLen int64, expiration time.Duration) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LTrim(ctx, key, 0, maxLen-1)
		if expiration > 0 {
			pipe.Expire(ctx, key, expiration)
		}
		return nil
	})
	if err != nil {
		return errors.NewStoreUnavailableError("ltrim", err)
	}
	return nil
}

// LRange returns list elements in the given range
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailableError("lrange", err)
	}
	return vals, nil
}

// LLen returns the length of a list
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	length, err := c.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("llen", err)
	}
	return length, nil
}

// SAdd adds members to a set
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	if err := c.client.SAdd(ctx, key, members...).Err(); err != nil {
		return errors.NewStoreUnavailableError("sadd", err)
	}
	return nil
}

// SRem removes members from a set, returning how many were actually
// removed. Callers racing over the same member use the count as the
// claim: only one remover sees 1.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	removed, err := c.client.SRem(ctx, key, members...).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("srem", err)
	}
	return removed, nil
}

// SMembers returns all members of a set
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailableError("smembers", err)
	}
	return members, nil
}

// SIsMember checks set membership
func (c *Client) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	ok, err := c.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, errors.NewStoreUnavailableError("sismember", err)
	}
	return ok, nil
}

// SCard returns the cardinality of a set
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	count, err := c.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("scard", err)
	}
	return count, nil
}

// ZAdd adds elements to a sorted set
func (c *Client) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	if err := c.client.ZAdd(ctx, key, members...).Err(); err != nil {
		return errors.NewStoreUnavailableError("zadd", err)
	}
	return nil
}

// ZRangeByScore returns sorted-set members within the score range
func (c *Client) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error) {
	vals, err := c.client.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailableError("zrangebyscore", err)
	}
	return vals, nil
}

// ZRem removes members from a sorted set
func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) error {
	if err := c.client.ZRem(ctx, key, members...).Err(); err != nil {
		return errors.NewStoreUnavailableError("zrem", err)
	}
	return nil
}

// ZCard returns the cardinality of a sorted set
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	count, err := c.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("zcard", err)
	}
	return count, nil
}

// Expire sets a timeout on a key
func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if err := c.client.Expire(ctx, key, expiration).Err(); err != nil {
		return errors.NewStoreUnavailableError("expire", err)
	}
	return nil
}

// TTL returns the time to live of a key
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("ttl", err)
	}
	return ttl, nil
}

// Pipelined executes the given commands in one pipelined batch
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	if _, err := c.client.TxPipelined(ctx, fn); err != nil {
		return errors.NewStoreUnavailableError("pipeline", err)
	}
	return nil
}

// WatchCAS runs fn under optimistic locking on the given keys. If any
// watched key changes before the transaction commits, ErrCASConflict is
// returned and the caller decides whether to retry.
func (c *Client) WatchCAS(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	err := c.client.Watch(ctx, fn, keys...)
	if err == redis.TxFailedErr {
		return ErrCASConflict
	}
	if err != nil {
		return errors.NewStoreUnavailableError("watch", err)
	}
	return nil
}

// ErrCASConflict reports that a compare-and-set transaction lost the race
var ErrCASConflict = errors.NewConflictError("concurrent modification detected")
