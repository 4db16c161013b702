package apierr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceErrorFormatting(t *testing.T) {
	plain := New(CodeNotFound, "resource not found", http.StatusNotFound)
	assert.Equal(t, "[RES_4001] resource not found", plain.Error())

	cause := errors.New("boom")
	wrapped := Wrap(CodeInternal, "internal failure", http.StatusInternalServerError, cause)
	assert.Equal(t, "[SVC_9001] internal failure: boom", wrapped.Error())
	assert.Same(t, cause, errors.Unwrap(wrapped))
}

func TestWithDetailsChaining(t *testing.T) {
	err := NoBackendAvailable("org-1").WithDetails("strategy", "least-loaded")
	require.NotNil(t, err.Details)
	assert.Equal(t, "org-1", err.Details["organizationId"])
	assert.Equal(t, "least-loaded", err.Details["strategy"])
}

func TestIsServiceErrorAndUnwrap(t *testing.T) {
	svcErr := CircuitOpen("acct-1")
	var wrapped error = svcErr
	assert.True(t, IsServiceError(wrapped))

	plain := errors.New("not a service error")
	assert.False(t, IsServiceError(plain))

	got := GetServiceError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeCircuitOpen, got.Code)
}

func TestGetHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, GetHTTPStatus(NoBackendAvailable("org-1")))
	assert.Equal(t, http.StatusTooManyRequests, GetHTTPStatus(RateLimitExceeded("user:1", 10, 1000)))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("plain")))
}

func TestBudgetAndWebhookConstructors(t *testing.T) {
	budgetErr := BudgetExceeded("org-7", 104.2)
	assert.Equal(t, CodeBudgetExceeded, budgetErr.Code)
	assert.Equal(t, http.StatusPaymentRequired, budgetErr.HTTPStatus)

	dlqErr := WebhookDLQ("wh-1", 5)
	assert.Equal(t, 5, dlqErr.Details["attempts"])
}
