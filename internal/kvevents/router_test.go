package kvevents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
)

func newTestRouter(t *testing.T) (*Router, *kv.Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := kv.New(config.KVConfig{
		URL:     srv.Addr(),
		Primary: config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
		Worker:  config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
	})
	return New(client, nil), client, srv
}

func TestDispatchMatchesGlobPattern(t *testing.T) {
	r, client, srv := newTestRouter(t)
	defer srv.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	r.On("account:*:circuit", func(ctx context.Context, channel, payload string) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, payload)
	})

	require.NoError(t, r.Start(ctx, "account:*"))
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Publish(ctx, "account:42:circuit", "open"))
	require.NoError(t, client.Publish(ctx, "account:42:budget", "ignored"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"open"}, received)
}

func TestHandlerPanicDoesNotStopRouter(t *testing.T) {
	r, client, srv := newTestRouter(t)
	defer srv.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var calls int
	r.On("evt:*", func(ctx context.Context, channel, payload string) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})

	require.NoError(t, r.Start(ctx, "evt:*"))
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Publish(ctx, "evt:1", "a"))
	require.NoError(t, client.Publish(ctx, "evt:2", "b"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 10*time.Millisecond)
}
