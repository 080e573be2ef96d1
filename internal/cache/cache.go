package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the ephemeral key-value interface backing the progress tracker,
// generation locks, the work queue, and the result cache. Implementations must
// be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Delete(ctx context.Context, key Key) error
	Ping(ctx context.Context) error
	Close() error

	// SetNX sets key to value only if it does not exist. Returns whether the
	// set happened. This is the test-and-set primitive behind generation locks.
	SetNX(ctx context.Context, key Key, value []byte, ttl time.Duration) (bool, error)
	// DeleteIfEqual deletes key only while it still holds value, atomically.
	// Returns whether a deletion happened.
	DeleteIfEqual(ctx context.Context, key Key, value []byte) (bool, error)

	// LPush appends a work item to the named queue.
	LPush(ctx context.Context, key Key, value []byte) error
	// BRPop blocks up to timeout waiting for a work item. found is false on
	// timeout.
	BRPop(ctx context.Context, timeout time.Duration, key Key) (value []byte, found bool, err error)

	IncrWithExpiry(ctx context.Context, key Key, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key.String(), value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key.String()).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key Key) error {
	return c.client.Del(ctx, key.String()).Err()
}

func (c *RedisCache) SetNX(ctx context.Context, key Key, value []byte, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key.String(), value, ttl).Result()
}

// deleteIfEqualScript deletes the key only if it still holds the expected
// value. GET-then-DEL would race with a TTL expiry and a new holder.
var deleteIfEqualScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *RedisCache) DeleteIfEqual(ctx context.Context, key Key, value []byte) (bool, error) {
	n, err := deleteIfEqualScript.Run(ctx, c.client, []string{key.String()}, value).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) LPush(ctx context.Context, key Key, value []byte) error {
	return c.client.LPush(ctx, key.String(), value).Err()
}

func (c *RedisCache) BRPop(ctx context.Context, timeout time.Duration, key Key) ([]byte, bool, error) {
	vals, err := c.client.BRPop(ctx, timeout, key.String()).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return nil, false, nil
	}
	return []byte(vals[1]), true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key Key, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key.String())
	pipe.Expire(ctx, key.String(), expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
