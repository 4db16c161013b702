// Package kv wraps go-redis with the two connection pools (primary,
// worker) and the small set of primitives (locks, sorted sets, pub/sub)
// every other component in this service builds on.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
)

// ErrNotFound mirrors redis.Nil so callers don't need to import go-redis
// directly just to check for a cache miss.
var ErrNotFound = errors.New("kv: key not found")

// Client is the keyed store client described by the Keyed Store Client
// component: a primary pool that carries every read, write and script,
// and a worker pool that carries only Subscribe (the keyspace event
// router's long-lived pattern subscription), so that subscription never
// holds a request-path connection.
type Client struct {
	Primary *redis.Client
	Worker  *redis.Client
	leak    time.Duration
}

// New builds a Client from KVConfig, establishing both pools.
func New(cfg config.KVConfig) *Client {
	mk := func(pool config.KVPoolConfig) *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:         cfg.URL,
			Password:     cfg.Password,
			PoolSize:     pool.MaxConns,
			MinIdleConns: pool.MinConns,
			PoolTimeout:  time.Duration(pool.AcquireTimeout) * time.Millisecond,
		})
	}

	return &Client{
		Primary: mk(cfg.Primary),
		Worker:  mk(cfg.Worker),
		leak:    time.Duration(cfg.LeakMS) * time.Millisecond,
	}
}

// Ping verifies connectivity on both pools.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.Primary.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv: primary pool ping: %w", err)
	}
	if err := c.Worker.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv: worker pool ping: %w", err)
	}
	return nil
}

// Close tears down both pools.
func (c *Client) Close() error {
	errP := c.Primary.Close()
	errW := c.Worker.Close()
	if errP != nil {
		return errP
	}
	return errW
}

// Get reads a key from the primary pool, translating redis.Nil to ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.Primary.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// Set writes a key with an optional TTL (0 means no expiry) on the primary pool.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.Primary.Set(ctx, key, value, ttl).Err()
}

// SetNX sets a key only if absent, used for the stampede-protection lock
// and for any other compare-and-set style coordination.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.Primary.SetNX(ctx, key, value, ttl).Result()
}

// Del removes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.Primary.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Primary.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire refreshes a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.Primary.Expire(ctx, key, ttl).Err()
}

// ZAdd adds a member with score to a sorted set, used by the capacity
// tracker (C6) to record usage timestamps and by the webhook pipeline
// (C13) to schedule retries.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.Primary.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

// ZRemRangeByScore removes sorted-set members scored within [min, max],
// used to trim a window by discarding timestamps that have aged out.
func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return c.Primary.ZRemRangeByScore(ctx, key, min, max).Err()
}

// ZCard returns the number of members currently in the window.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.Primary.ZCard(ctx, key).Result()
}

// SAdd/SMembers/SRem back the tag index used by the invalidator (C4): a
// tag maps to the set of cache keys tagged with it.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]interface{}, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	return c.Primary.SAdd(ctx, key, anyMembers...).Err()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.Primary.SMembers(ctx, key).Result()
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]interface{}, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	return c.Primary.SRem(ctx, key, anyMembers...).Err()
}

// Publish/Subscribe back the keyspace event router (C5).
func (c *Client) Publish(ctx context.Context, channel string, payload string) error {
	return c.Primary.Publish(ctx, channel, payload).Err()
}

func (c *Client) Subscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.Worker.PSubscribe(ctx, patterns...)
}

// Eval runs a Lua script atomically, used for the check-then-act sequences
// (stampede lock release-if-owner, sliding window count+add) that would
// otherwise race across two round trips.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.Primary.Eval(ctx, script, keys, args...).Result()
}

// IncrBy atomically adds delta to the integer stored at key, creating it
// as delta if absent. Used for fixed-window counters (provider
// rate-limiter windows, monthly usage hashes via HIncrBy below).
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.Primary.IncrBy(ctx, key, delta).Result()
}

// HIncrBy atomically adds delta to a hash field, used by the usage
// accountant to fold per-request costs into the monthly usage hash
// without a read-modify-write round trip.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.Primary.HIncrBy(ctx, key, field, delta).Result()
}

// HGetAll reads every field of a hash, used to compute budget status
// from the monthly usage hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.Primary.HGetAll(ctx, key).Result()
}

// HSet writes one or more field/value pairs of a hash in a single round
// trip, used by the circuit breaker (C7) to persist an account's state
// transition atomically rather than as separate per-field writes.
func (c *Client) HSet(ctx context.Context, key string, values ...interface{}) error {
	if len(values) == 0 {
		return nil
	}
	return c.Primary.HSet(ctx, key, values...).Err()
}

// LPush pushes values onto the head of a list.
func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	anyValues := make([]interface{}, len(values))
	for i, v := range values {
		anyValues[i] = v
	}
	return c.Primary.LPush(ctx, key, anyValues...).Err()
}

// RPush pushes values onto the tail of a list, used for queueing (usage
// daily log, webhook pending and dead-letter queues).
func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	anyValues := make([]interface{}, len(values))
	for i, v := range values {
		anyValues[i] = v
	}
	return c.Primary.RPush(ctx, key, anyValues...).Err()
}

// LRem removes up to count occurrences of value from a list.
func (c *Client) LRem(ctx context.Context, key string, count int64, value string) error {
	return c.Primary.LRem(ctx, key, count, value).Err()
}

// LLen returns the length of a list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.Primary.LLen(ctx, key).Result()
}

// ZRangeByScore returns sorted-set members scored within [min, max].
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	return c.Primary.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

// ZRem removes members from a sorted set.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]interface{}, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	return c.Primary.ZRem(ctx, key, anyMembers...).Err()
}

// PTTL returns the remaining time-to-live of key. A negative duration
// means the key has no expiry (-1) or does not exist (-2), mirroring
// Redis's PTTL semantics.
func (c *Client) PTTL(ctx context.Context, key string) (time.Duration, error) {
	return c.Primary.PTTL(ctx, key).Result()
}

// LeakThreshold returns the connection-leak warning duration configured
// through KVConfig.LeakMS.
func (c *Client) LeakThreshold() time.Duration { return c.leak }
