package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
)

func newTestInvalidator(t *testing.T) (*Cache, *Invalidator, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := kv.New(config.KVConfig{
		URL:     srv.Addr(),
		Primary: config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
		Worker:  config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
	})
	cfg := config.CacheConfig{HotCacheTTLMS: 30_000, StampedeLockTTLMS: 5_000, RetryIntervalMS: 5, MaxWaitMS: 500}
	c := New(client, "analysis", cfg, nil)
	return c, NewInvalidator(c), srv
}

func TestInvalidateTagRemovesAllTaggedKeys(t *testing.T) {
	c, inv, srv := newTestInvalidator(t)
	defer srv.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "org-1:analysis-a", func(ctx context.Context) (interface{}, error) { return "a", nil })
	require.NoError(t, err)
	_, err = c.Get(ctx, "org-1:analysis-b", func(ctx context.Context) (interface{}, error) { return "b", nil })
	require.NoError(t, err)

	require.NoError(t, inv.TagKeys(ctx, "org-1:analysis-a", "org:1"))
	require.NoError(t, inv.TagKeys(ctx, "org-1:analysis-b", "org:1"))

	n, err := inv.InvalidateTag(ctx, "org:1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var calls int
	_, err = c.Get(ctx, "org-1:analysis-a", func(ctx context.Context) (interface{}, error) {
		calls++
		return "a2", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "key should have been evicted by tag invalidation")
}

func TestInvalidatePrefixDeletesMatchingKeys(t *testing.T) {
	c, inv, srv := newTestInvalidator(t)
	defer srv.Close()
	ctx := context.Background()

	for _, k := range []string{"acct-1:a", "acct-1:b", "acct-2:a"} {
		_, err := c.Get(ctx, k, func(ctx context.Context) (interface{}, error) { return "v", nil })
		require.NoError(t, err)
	}

	n, err := inv.InvalidatePrefix(ctx, "acct-1:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var calls int
	_, err = c.Get(ctx, "acct-2:a", func(ctx context.Context) (interface{}, error) {
		calls++
		return "v2", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "unrelated prefix should remain cached")
}
