package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthzReportsHealthy(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	resp := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
}

func TestAnalyzeRequiresText(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	resp := doJSON(t, srv, http.MethodPost, "/v1/analyze", analyzeRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyzeReturnsIntent(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	resp := doJSON(t, srv, http.MethodPost, "/v1/analyze", analyzeRequest{Text: "assign this task to Sam by Friday"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.NotEmpty(t, decoded["intent"])
}

func TestCheckLimitRejectsMissingFields(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	resp := doJSON(t, srv, http.MethodPost, "/v1/limits/check", checkLimitRequest{UserKey: "user-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckLimitAllowsThenRejects(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	req := checkLimitRequest{UserKey: "user-1", OrgKey: "org-1", UserMax: 1, OrgMax: 5, WindowMS: 60_000}

	first := doJSON(t, srv, http.MethodPost, "/v1/limits/check", req)
	defer first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := doJSON(t, srv, http.MethodPost, "/v1/limits/check", req)
	defer second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestCheckLimitRejectsWhenOrgScopeSaturatedEvenIfUserScopeHasRoom(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	first := doJSON(t, srv, http.MethodPost, "/v1/limits/check", checkLimitRequest{UserKey: "user-a", OrgKey: "org-2", UserMax: 5, OrgMax: 1, WindowMS: 60_000})
	defer first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := doJSON(t, srv, http.MethodPost, "/v1/limits/check", checkLimitRequest{UserKey: "user-b", OrgKey: "org-2", UserMax: 5, OrgMax: 1, WindowMS: 60_000})
	defer second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode, "a different user in the same saturated organization must still be rejected")
}

func TestGetOrSetCacheRoundTrips(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	first := doJSON(t, srv, http.MethodPost, "/v1/cache/greeting", getOrSetRequest{Value: json.RawMessage(`{"msg":"hello"}`)})
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := doJSON(t, srv, http.MethodPost, "/v1/cache/greeting", getOrSetRequest{Value: json.RawMessage(`{"msg":"ignored"}`)})
	defer second.Body.Close()
	require.Equal(t, http.StatusOK, second.StatusCode)

	var decoded map[string]string
	require.NoError(t, json.NewDecoder(second.Body).Decode(&decoded))
	assert.Equal(t, "hello", decoded["msg"], "a cache hit must return the first value, not the second caller's")
}

func TestTrackUsageRejectsMissingOrganization(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	resp := doJSON(t, srv, http.MethodPost, "/v1/usage", trackUsageRequest{BudgetMinor: 1000})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrackUsageIdempotencyKeyRejectsReplay(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	body := trackUsageRequest{}
	body.OrganizationID = "org-1"
	body.InputTokens = 10
	body.OutputTokens = 5
	body.CostMinor = 100
	body.BudgetMinor = 100_000

	req := func() *http.Response {
		r, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/usage", nil)
		r.Header.Set("Idempotency-Key", "usage-1")
		r.Header.Set("Content-Type", "application/json")
		raw, _ := json.Marshal(body)
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))
		resp, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		return resp
	}

	first := req()
	defer first.Body.Close()
	assert.Equal(t, http.StatusAccepted, first.StatusCode)

	second := req()
	defer second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestEnqueueWebhookRequiresFields(t *testing.T) {
	srv, redis := newTestRouter(t)
	defer srv.Close()
	defer redis.Close()

	resp := doJSON(t, srv, http.MethodPost, "/v1/webhooks", enqueueWebhookRequest{URL: "https://example.com/hook"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
