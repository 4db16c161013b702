package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/gatekeeper/internal/budget"
	"github.com/fluxgate-ai/gatekeeper/internal/cache"
	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
	"github.com/fluxgate-ai/gatekeeper/internal/ratelimit"
	"github.com/fluxgate-ai/gatekeeper/internal/webhook"
)

// newTestRouter wires every component that doesn't need Postgres against an
// in-process miniredis instance, mirroring how the other internal packages
// build their test fixtures.
func newTestRouter(t *testing.T) (*httptest.Server, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := kv.New(config.KVConfig{
		URL:     srv.Addr(),
		Primary: config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
		Worker:  config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
	})

	logger := logging.New("gatekeeper-test", "error", "json")
	m := metrics.New("gatekeeper-test")

	limiter := ratelimit.New(client, "ratelimit:")
	responseCache := cache.New(client, "gatekeeper-test", config.CacheConfig{
		HotCacheTTLMS: 30_000, StampedeLockTTLMS: 10_000, RetryIntervalMS: 10, MaxWaitMS: 1_000,
	}, m)
	accountant := budget.New(client, logger, m)
	pipeline := webhook.New(client, &http.Client{Timeout: 5 * time.Second}, logger, m)

	router := NewRouter(Services{
		RateLimiter:   limiter,
		ResponseCache: responseCache,
		Budget:        accountant,
		Webhooks:      pipeline,
	}, logger, m, Options{})

	return httptest.NewServer(router), srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
