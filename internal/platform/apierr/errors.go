// Package apierr provides the structured error taxonomy shared by every
// core component and surfaced at the HTTP harness boundary.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, numbered error identifier independent of its message.
type Code string

const (
	// Authentication/authorization (1xxx/2xxx) — HTTP harness boundary only.
	CodeUnauthorized ErrorCode = "AUTH_1001"
	CodeInvalidToken ErrorCode = "AUTH_1002"
	CodeTokenExpired ErrorCode = "AUTH_1003"
	CodeForbidden    ErrorCode = "AUTHZ_2001"

	// Validation (3xxx).
	CodeInvalidInput     ErrorCode = "VAL_3001"
	CodeMissingParameter ErrorCode = "VAL_3002"
	CodeInvalidFormat    ErrorCode = "VAL_3003"
	CodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource (4xxx).
	CodeNotFound      ErrorCode = "RES_4001"
	CodeAlreadyExists ErrorCode = "RES_4002"
	CodeConflict      ErrorCode = "RES_4003"

	// Capacity / account pool (5xxx) — §7 "Capacity exhausted".
	CodeNoBackendAvailable ErrorCode = "CAP_5001"
	CodeCircuitOpen        ErrorCode = "CAP_5002"
	CodeAccountLockFailed  ErrorCode = "CAP_5003"

	// Rate limiting (6xxx) — §7 "Rate-limited (provider)" and C2/C11.
	CodeRateLimitExceeded  ErrorCode = "LIMIT_6001"
	CodeProviderRateLimit  ErrorCode = "LIMIT_6002"
	CodeBackoffActive      ErrorCode = "LIMIT_6003"

	// Webhook delivery (7xxx).
	CodeWebhookDeliveryFailed ErrorCode = "WEBHOOK_7001"
	CodeWebhookDLQ            ErrorCode = "WEBHOOK_7002"
	CodeWebhookNotFound       ErrorCode = "WEBHOOK_7003"

	// Budget / usage (8xxx).
	CodeBudgetExceeded ErrorCode = "BUDGET_8001"
	CodeBudgetWarning  ErrorCode = "BUDGET_8002"

	// Service-level (9xxx) — §7 "Transient I/O", "Timeout", "Fatal".
	CodeInternal       ErrorCode = "SVC_9001"
	CodeDatabaseError  ErrorCode = "SVC_9002"
	CodeExternalAPI    ErrorCode = "SVC_9003"
	CodeTimeout        ErrorCode = "SVC_9004"
	CodeStoreUnavailable ErrorCode = "SVC_9005"
	CodeMisconfigured  ErrorCode = "SVC_9006"
)

// ErrorCode is kept as an alias of Code for readability at call sites that
// predate the Code rename; both names refer to the same underlying type.
type ErrorCode = Code

// ServiceError is a structured error carrying a stable code, an HTTP status
// for the harness boundary, and optional machine-readable details.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a machine-readable detail and returns the receiver
// for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError with no wrapped cause.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError around an existing error.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// --- Authentication / authorization ---

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(CodeInvalidToken, "invalid authentication token", http.StatusUnauthorized, err)
}

func TokenExpired() *ServiceError {
	return New(CodeTokenExpired, "authentication token has expired", http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

// --- Validation ---

func InvalidInput(field, reason string) *ServiceError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(CodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(CodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(CodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// --- Resource ---

func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(CodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

// --- Capacity / account pool ---

// NoBackendAvailable is returned by SelectAccount when every candidate
// account is circuit-open, over capacity, or disabled (§4.9, §7).
func NoBackendAvailable(organizationID string) *ServiceError {
	return New(CodeNoBackendAvailable, "no backend account available", http.StatusServiceUnavailable).
		WithDetails("organizationId", organizationID)
}

func CircuitOpen(accountID string) *ServiceError {
	return New(CodeCircuitOpen, "account circuit breaker is open", http.StatusServiceUnavailable).
		WithDetails("accountId", accountID)
}

func AccountLockFailed(accountID string) *ServiceError {
	return New(CodeAccountLockFailed, "could not acquire per-account update lock", http.StatusConflict).
		WithDetails("accountId", accountID)
}

// --- Rate limiting ---

func RateLimitExceeded(scope string, limit int, windowMs int64) *ServiceError {
	return New(CodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("scope", scope).
		WithDetails("limit", limit).
		WithDetails("windowMs", windowMs)
}

func ProviderRateLimit(provider string, retryAfterMs int64) *ServiceError {
	return New(CodeProviderRateLimit, "provider rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("provider", provider).
		WithDetails("retryAfterMs", retryAfterMs)
}

func BackoffActive(provider string, retryAfterMs int64) *ServiceError {
	return New(CodeBackoffActive, "provider backoff window active", http.StatusTooManyRequests).
		WithDetails("provider", provider).
		WithDetails("retryAfterMs", retryAfterMs)
}

// --- Webhook delivery ---

func WebhookDeliveryFailed(id string, err error) *ServiceError {
	return Wrap(CodeWebhookDeliveryFailed, "webhook delivery failed", http.StatusBadGateway, err).
		WithDetails("webhookId", id)
}

func WebhookDLQ(id string, attempts int) *ServiceError {
	return New(CodeWebhookDLQ, "webhook moved to dead-letter queue", http.StatusOK).
		WithDetails("webhookId", id).
		WithDetails("attempts", attempts)
}

func WebhookNotFound(id string) *ServiceError {
	return New(CodeWebhookNotFound, "webhook record not found", http.StatusNotFound).
		WithDetails("webhookId", id)
}

// --- Budget ---

func BudgetExceeded(organizationID string, usedPercent float64) *ServiceError {
	return New(CodeBudgetExceeded, "organization budget exceeded", http.StatusPaymentRequired).
		WithDetails("organizationId", organizationID).
		WithDetails("usedPercent", usedPercent)
}

// --- Service-level ---

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(CodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(CodeExternalAPI, "external API call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(CodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// StoreUnavailable marks a keyed-store transient failure. Per §7 this never
// surfaces from read-side core APIs — callers on the read side log it and
// degrade (cache miss, fail-open limiter) instead of propagating it.
func StoreUnavailable(op string, err error) *ServiceError {
	return Wrap(CodeStoreUnavailable, "keyed store unavailable", http.StatusServiceUnavailable, err).
		WithDetails("operation", op)
}

// Misconfigured marks a startup-time fatal error (§7 "Fatal").
func Misconfigured(detail string, err error) *ServiceError {
	return Wrap(CodeMisconfigured, "service misconfigured", http.StatusInternalServerError, err).
		WithDetails("detail", detail)
}

// --- Helpers ---

func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
