package cache

import (
	"context"
	"fmt"
	"strings"
)

// Invalidator implements the tag/index invalidator (C4): every cached key
// can be tagged with zero or more tags at write time; invalidating a tag
// or a prefix walks an index set (never a KEYS */SCAN pattern match) and
// deletes every key registered under it.
type Invalidator struct {
	cache *Cache
}

// NewInvalidator wraps a Cache with tag-indexed and prefix-indexed
// invalidation, registering itself as the cache's on-write hook so every
// key written through Get is automatically indexed by its colon-delimited
// prefixes without callers having to register it explicitly.
func NewInvalidator(c *Cache) *Invalidator {
	inv := &Invalidator{cache: c}
	c.SetOnWrite(inv.RegisterKeyInIndex)
	return inv
}

// RegisterKeyInIndex indexes key under every one of its colon-delimited
// prefixes (each ending in the colon), so InvalidatePrefix can later find
// it without a wildcard scan. For "acct-1:a" this registers key under the
// prefix index "acct-1:".
func (inv *Invalidator) RegisterKeyInIndex(ctx context.Context, key string) {
	for _, prefix := range colonPrefixes(key) {
		_ = inv.cache.client.SAdd(ctx, inv.prefixIndexKey(prefix), key)
	}
}

func colonPrefixes(key string) []string {
	var prefixes []string
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			prefixes = append(prefixes, key[:i+1])
		}
	}
	return prefixes
}

// TagKeys registers key under each tag so a later InvalidateTag can find it
// without scanning.
func (inv *Invalidator) TagKeys(ctx context.Context, key string, tags ...string) error {
	for _, tag := range tags {
		if err := inv.cache.client.SAdd(ctx, inv.tagIndexKey(tag), key); err != nil {
			return fmt.Errorf("invalidator: tag %s: %w", tag, err)
		}
	}
	return nil
}

// InvalidateTag deletes every key registered under tag, then clears the
// tag's index set.
func (inv *Invalidator) InvalidateTag(ctx context.Context, tag string) (int, error) {
	indexKey := inv.tagIndexKey(tag)
	keys, err := inv.cache.client.SMembers(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("invalidator: list tag %s: %w", tag, err)
	}

	for _, key := range keys {
		if err := inv.cache.Invalidate(ctx, key); err != nil {
			return 0, fmt.Errorf("invalidator: delete %s: %w", key, err)
		}
	}

	if err := inv.cache.client.Del(ctx, indexKey); err != nil {
		return 0, fmt.Errorf("invalidator: clear tag index %s: %w", tag, err)
	}

	if inv.cache.metrics != nil {
		inv.cache.metrics.RecordInvalidation("tag")
	}
	return len(keys), nil
}

// InvalidatePrefix deletes every key registered under prefix's index,
// built up as keys were written (see RegisterKeyInIndex). When nothing
// was ever indexed under prefix — most commonly because the caller
// passed a full key rather than a true prefix — it falls back to
// deleting prefix itself as a literal key, never to a wildcard scan.
func (inv *Invalidator) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	indexKey := inv.prefixIndexKey(prefix)
	keys, err := inv.cache.client.SMembers(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("invalidator: list prefix index %s: %w", prefix, err)
	}

	if len(keys) == 0 {
		if err := inv.cache.Invalidate(ctx, prefix); err != nil {
			return 0, fmt.Errorf("invalidator: delete literal key %s: %w", prefix, err)
		}
		return 0, nil
	}

	for _, key := range keys {
		if err := inv.cache.Invalidate(ctx, key); err != nil {
			return 0, fmt.Errorf("invalidator: delete %s: %w", key, err)
		}
	}
	if err := inv.cache.client.Del(ctx, indexKey); err != nil {
		return 0, fmt.Errorf("invalidator: clear prefix index %s: %w", prefix, err)
	}

	if inv.cache.metrics != nil {
		inv.cache.metrics.RecordInvalidation("prefix")
	}
	return len(keys), nil
}

func (inv *Invalidator) tagIndexKey(tag string) string {
	return fmt.Sprintf("cache:%s:tagidx:%s", inv.cache.name, tag)
}

func (inv *Invalidator) prefixIndexKey(prefix string) string {
	return fmt.Sprintf("cache:%s:prefixidx:%s", inv.cache.name, strings.TrimSuffix(prefix, ":")+":")
}
