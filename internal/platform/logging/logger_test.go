package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithContextPropagatesIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gatekeeper-test", "info", "json")
	logger.SetOutput(&buf)

	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithOrganizationID(ctx, "org-1")
	ctx = WithAccountID(ctx, "acct-1")

	logger.Info(ctx, "hello", nil)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "trace-1", decoded["trace_id"])
	assert.Equal(t, "org-1", decoded["organization_id"])
	assert.Equal(t, "acct-1", decoded["account_id"])
	assert.Equal(t, "gatekeeper-test", decoded["service"])
}

func TestLogCircuitTransitionFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gatekeeper-test", "info", "json")
	logger.SetOutput(&buf)

	logger.LogCircuitTransition(context.Background(), "acct-1", "closed", "open")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "acct-1", decoded["account_id"])
	assert.Equal(t, "closed", decoded["from_state"])
	assert.Equal(t, "open", decoded["to_state"])
}

func TestLogWebhookAttemptRecordsError(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gatekeeper-test", "info", "json")
	logger.SetOutput(&buf)

	logger.LogWebhookAttempt(context.Background(), "wh-1", 3, 500, errors.New("boom"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "wh-1", decoded["webhook_id"])
	assert.Equal(t, float64(3), decoded["attempt"])
	assert.Equal(t, "boom", decoded["error"])
}

func TestNewTraceIDUnique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestDefaultLoggerFallback(t *testing.T) {
	defaultLogger = nil
	logger := Default()
	assert.NotNil(t, logger)
	assert.Same(t, logger, Default())
}
