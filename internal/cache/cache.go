// Package cache implements the stampede-protected cache (C3): a read-through
// cache backed by the keyed store, where a cache miss triggers a distributed
// lock so only one caller recomputes the value while every other caller
// waits for it or, once the wait times out, computes the value itself
// without storing it, and a single-flight group collapses duplicate
// recomputes within one process.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
)

// releaseLockScript deletes the lock only while it still holds the caller's token.
const releaseLockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) end return 0`

var errWaitTimeout = errors.New("cache: timed out waiting for the lock holder's value")

// Loader computes the value for key on a cache miss.
type Loader func(ctx context.Context) (interface{}, error)

// Cache is a read-through, stampede-protected cache over the keyed store.
type Cache struct {
	client     *kv.Client
	name       string
	hotTTL     time.Duration
	lockTTL    time.Duration
	retryEvery time.Duration
	maxWait    time.Duration
	group      singleflight.Group
	metrics    *metrics.Metrics
	onWrite    func(ctx context.Context, key string)
}

// SetOnWrite registers a hook invoked after every successful Get-triggered
// write, with the caller-facing key (not the prefixed data key). Used by
// the invalidator (C4) to maintain its prefix index without every caller
// having to register keys explicitly.
func (c *Cache) SetOnWrite(fn func(ctx context.Context, key string)) {
	c.onWrite = fn
}

// New creates a Cache named name (used as both the key prefix and the
// metrics label) from the service's CacheConfig.
func New(client *kv.Client, name string, cfg config.CacheConfig, m *metrics.Metrics) *Cache {
	return &Cache{
		client:     client,
		name:       name,
		hotTTL:     time.Duration(cfg.HotCacheTTLMS) * time.Millisecond,
		lockTTL:    time.Duration(cfg.StampedeLockTTLMS) * time.Millisecond,
		retryEvery: time.Duration(cfg.RetryIntervalMS) * time.Millisecond,
		maxWait:    time.Duration(cfg.MaxWaitMS) * time.Millisecond,
		metrics:    m,
	}
}

// Get returns the cached value for key, computing and storing it via load
// on a miss. Concurrent misses for the same key, across goroutines in this
// process, collapse into a single load call; concurrent misses across
// processes collapse into a single recompute via a Redis lock, with
// followers polling until the leader publishes the fresh value or maxWait
// elapses, after which the follower computes the value itself without
// writing it.
func (c *Cache) Get(ctx context.Context, key string, load Loader) ([]byte, error) {
	dataKey := c.dataKey(key)

	if raw, err := c.client.Get(ctx, dataKey); err == nil {
		c.recordHit()
		return []byte(raw), nil
	} else if err != kv.ErrNotFound {
		return nil, fmt.Errorf("cache: read %s: %w", key, err)
	}
	c.recordMiss()

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		return c.loadWithLock(ctx, key, dataKey, load)
	})
	if shared && c.metrics != nil {
		c.metrics.RecordCacheStampedeBlocked(c.name)
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Cache) loadWithLock(ctx context.Context, key, dataKey string, load Loader) ([]byte, error) {
	lockKey := c.lockKey(key)
	token := uuid.NewString()
	acquired, err := c.client.SetNX(ctx, lockKey, token, c.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("cache: acquire lock %s: %w", key, err)
	}

	if !acquired {
		if c.metrics != nil {
			c.metrics.RecordCacheStampedeBlocked(c.name)
		}
		raw, err := c.waitForValue(ctx, dataKey)
		if errors.Is(err, errWaitTimeout) {
			value, loadErr := load(ctx)
			if loadErr != nil {
				return nil, loadErr
			}
			return json.Marshal(value)
		}
		return raw, err
	}
	defer c.client.Eval(context.Background(), releaseLockScript, []string{lockKey}, token)

	value, err := load(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal %s: %w", key, err)
	}

	if err := c.client.Set(ctx, dataKey, string(raw), c.hotTTL); err != nil {
		return nil, fmt.Errorf("cache: write %s: %w", key, err)
	}
	if c.onWrite != nil {
		c.onWrite(ctx, key)
	}
	return raw, nil
}

// waitForValue polls for a value another process's leader is about to
// publish, bounded by maxWait so a caller never blocks indefinitely on a
// leader that died holding the lock.
func (c *Cache) waitForValue(ctx context.Context, dataKey string) ([]byte, error) {
	deadline := time.Now().Add(c.maxWait)
	ticker := time.NewTicker(c.retryEvery)
	defer ticker.Stop()

	for {
		if raw, err := c.client.Get(ctx, dataKey); err == nil {
			return []byte(raw), nil
		} else if err != kv.ErrNotFound {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, errWaitTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Invalidate removes key's cached value directly.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if c.metrics != nil {
		c.metrics.RecordInvalidation("direct")
	}
	return c.client.Del(ctx, c.dataKey(key))
}

func (c *Cache) dataKey(key string) string { return fmt.Sprintf("cache:%s:%s", c.name, key) }
func (c *Cache) lockKey(key string) string { return fmt.Sprintf("cache:%s:lock:%s", c.name, key) }

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(c.name)
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(c.name)
	}
}
