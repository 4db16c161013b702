package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg := config.KVConfig{
		URL:     srv.Addr(),
		Primary: config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
		Worker:  config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
	}
	return New(cfg), srv
}

func TestSetGetRoundTrip(t *testing.T) {
	c, srv := newTestClient(t)
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "foo", "bar", time.Minute))
	v, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", v)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	c, srv := newTestClient(t)
	defer srv.Close()

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetNXOnlySucceedsOnce(t *testing.T) {
	c, srv := newTestClient(t)
	defer srv.Close()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock:a", "owner-1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock:a", "owner-2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestZAddAndZCardSlidingWindow(t *testing.T) {
	c, srv := newTestClient(t)
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "window:a", 1, "1"))
	require.NoError(t, c.ZAdd(ctx, "window:a", 2, "2"))
	require.NoError(t, c.ZAdd(ctx, "window:a", 3, "3"))

	require.NoError(t, c.ZRemRangeByScore(ctx, "window:a", "-inf", "1"))

	count, err := c.ZCard(ctx, "window:a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestTagSetMembership(t *testing.T) {
	c, srv := newTestClient(t)
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "tag:org-1", "analysis:a", "analysis:b"))
	members, err := c.SMembers(ctx, "tag:org-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"analysis:a", "analysis:b"}, members)

	require.NoError(t, c.SRem(ctx, "tag:org-1", "analysis:a"))
	members, err = c.SMembers(ctx, "tag:org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis:b"}, members)
}

func TestHSetAndHGetAllRoundTrip(t *testing.T) {
	c, srv := newTestClient(t)
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "hash:a", "field1", "v1", "field2", "v2"))
	fields, err := c.HGetAll(ctx, "hash:a")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"field1": "v1", "field2": "v2"}, fields)
}

func TestPingSucceedsAgainstMiniredis(t *testing.T) {
	c, srv := newTestClient(t)
	defer srv.Close()
	assert.NoError(t, c.Ping(context.Background()))
}
