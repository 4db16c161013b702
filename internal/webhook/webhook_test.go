package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
)

func newTestPipeline(t *testing.T) (*Pipeline, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := kv.New(config.KVConfig{
		URL:     srv.Addr(),
		Primary: config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
		Worker:  config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
	})
	return New(client, nil, nil, nil), srv
}

func TestEnqueueWebhookReturnsID(t *testing.T) {
	p, srv := newTestPipeline(t)
	defer srv.Close()

	id, err := p.EnqueueWebhook(context.Background(), "http://example.invalid/hook", "task.created", `{"a":1}`, "org-1", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDeliverNextMarksDeliveredOn2xx(t *testing.T) {
	var gotID, gotSig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Webhook-ID")
		gotSig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p, srv := newTestPipeline(t)
	defer srv.Close()
	ctx := context.Background()

	id, err := p.EnqueueWebhook(ctx, server.URL, "task.created", `{"a":1}`, "org-1", "topsecret", nil)
	require.NoError(t, err)

	ok, err := p.DeliverNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, Sign("topsecret", `{"a":1}`), gotSig)

	rec, err := p.load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Len(t, rec.Attempts, 1)
}

func TestDeliverNextSchedulesRetryOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p, srv := newTestPipeline(t)
	defer srv.Close()
	ctx := context.Background()

	id, err := p.EnqueueWebhook(ctx, server.URL, "task.created", `{}`, "org-1", "", nil)
	require.NoError(t, err)

	ok, err := p.DeliverNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := p.load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.NotNil(t, rec.NextRetry)

	members, err := p.client.ZRangeByScore(ctx, queueRetry, "-inf", "+inf")
	require.NoError(t, err)
	assert.Contains(t, members, id)
}

func TestDeliverNextMovesToDLQAfterMaxRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p, srv := newTestPipeline(t)
	defer srv.Close()
	ctx := context.Background()

	id, err := p.EnqueueWebhook(ctx, server.URL, "task.created", `{}`, "org-1", "", nil)
	require.NoError(t, err)

	rec, err := p.load(ctx, id)
	require.NoError(t, err)
	for i := 0; i < MaxRetries-1; i++ {
		rec.Attempts = append(rec.Attempts, Attempt{N: i + 1})
	}
	require.NoError(t, p.save(ctx, rec, ttlPreTerminal))

	ok, err := p.DeliverNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	final, err := p.load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDLQ, final.Status)
	assert.Len(t, final.Attempts, MaxRetries)

	dlqLen, err := p.client.LLen(ctx, queueDLQ)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen)
}

func TestDeliverNextReturnsFalseWhenEmpty(t *testing.T) {
	p, srv := newTestPipeline(t)
	defer srv.Close()

	ok, err := p.DeliverNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMoveDueRetriesRequeuesDueEntries(t *testing.T) {
	p, srv := newTestPipeline(t)
	defer srv.Close()
	ctx := context.Background()

	id, err := p.EnqueueWebhook(ctx, "http://example.invalid", "task.created", `{}`, "org-1", "", nil)
	require.NoError(t, err)
	require.NoError(t, p.client.ZAdd(ctx, queueRetry, 1, id))
	require.NoError(t, p.client.LRem(ctx, queuePending, 1, id))

	n, err := p.MoveDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	length, err := p.client.LLen(ctx, queuePending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestRetryFromDLQResetsAttemptsAndRequeues(t *testing.T) {
	p, srv := newTestPipeline(t)
	defer srv.Close()
	ctx := context.Background()

	id, err := p.EnqueueWebhook(ctx, "http://example.invalid", "task.created", `{}`, "org-1", "", nil)
	require.NoError(t, err)

	rec, err := p.load(ctx, id)
	require.NoError(t, err)
	rec.Status = StatusDLQ
	rec.Attempts = []Attempt{{N: 1}, {N: 2}}
	require.NoError(t, p.save(ctx, rec, ttlPostDLQ))
	require.NoError(t, p.client.RPush(ctx, queueDLQ, id))
	require.NoError(t, p.client.LRem(ctx, queuePending, 1, id))

	require.NoError(t, p.RetryFromDLQ(ctx, id))

	reloaded, err := p.load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reloaded.Status)
	assert.Empty(t, reloaded.Attempts)
}

func TestSignIsDeterministicHMAC(t *testing.T) {
	a := Sign("secret", "body")
	b := Sign("secret", "body")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Sign("other", "body"))
}
