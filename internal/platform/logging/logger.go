// Package logging provides structured logging with trace/org/account context.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/redact"
)

// ContextKey is the type for context keys carried through this package.
type ContextKey string

const (
	TraceIDKey     ContextKey = "trace_id"
	OrganizationID ContextKey = "organization_id"
	AccountIDKey   ContextKey = "account_id"
	ServiceKey     ContextKey = "service"
)

// Logger wraps logrus.Logger with request-context propagation.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger tagged with the given service name.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns an entry carrying trace/org/account IDs found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if orgID := ctx.Value(OrganizationID); orgID != nil {
		entry = entry.WithField("organization_id", orgID)
	}
	if acctID := ctx.Value(AccountIDKey); acctID != nil {
		entry = entry.WithField("account_id", acctID)
	}

	return entry
}

func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "trace_id": traceID})
}

func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	scrubbed := redact.Fields(fields)
	if scrubbed == nil {
		scrubbed = make(map[string]interface{})
	}
	scrubbed["service"] = l.service
	return l.Logger.WithFields(scrubbed)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": redact.String(err.Error())})
}

func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// --- Context helpers ---

func NewTraceID() string { return uuid.New().String() }

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithOrganizationID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, OrganizationID, orgID)
}

func GetOrganizationID(ctx context.Context) string {
	if v, ok := ctx.Value(OrganizationID).(string); ok {
		return v
	}
	return ""
}

func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

func GetAccountID(ctx context.Context) string {
	if v, ok := ctx.Value(AccountIDKey).(string); ok {
		return v
	}
	return ""
}

// --- Domain-specific structured helpers ---

// LogProviderCall logs an outbound call to a provider account.
func (l *Logger) LogProviderCall(ctx context.Context, accountID, provider string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"account_id":  accountID,
		"provider":    provider,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("provider call failed")
	} else {
		entry.Info("provider call succeeded")
	}
}

// LogCircuitTransition logs a circuit breaker state transition for an account.
func (l *Logger) LogCircuitTransition(ctx context.Context, accountID string, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"account_id": accountID,
		"from_state": from,
		"to_state":   to,
	}).Warn("circuit breaker transition")
}

// LogWebhookAttempt logs a single webhook delivery attempt.
func (l *Logger) LogWebhookAttempt(ctx context.Context, webhookID string, attempt int, statusCode int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"webhook_id": webhookID,
		"attempt":    attempt,
		"status":     statusCode,
	})
	if err != nil {
		entry.WithError(err).Warn("webhook delivery attempt failed")
	} else {
		entry.Info("webhook delivery attempt succeeded")
	}
}

// LogBudgetAlert logs a budget threshold alert firing.
func (l *Logger) LogBudgetAlert(ctx context.Context, organizationID string, threshold int, usedPercent float64) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"organization_id": organizationID,
		"threshold":       threshold,
		"used_percent":    usedPercent,
	}).Warn("budget alert fired")
}

// LogRequest logs an inbound HTTP harness request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogDatabaseQuery logs a relational-store query.
func (l *Logger) LogDatabaseQuery(ctx context.Context, query string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"query":       query,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("database query failed")
	} else {
		entry.Debug("database query executed")
	}
}

// LogErrorWithStack logs an error alongside extra context fields.
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	logFields := logrus.Fields{"error": redact.String(err.Error())}
	for k, v := range redact.Fields(fields) {
		logFields[k] = v
	}
	l.WithContext(ctx).WithFields(logFields).Error(message)
}

func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(redact.Fields(fields)).Debug(message)
}

func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(redact.Fields(fields)).Info(message)
}

func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(redact.Fields(fields)).Warn(message)
}

func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithField("error", redact.String(err.Error()))
	}
	entry.WithFields(redact.Fields(fields)).Error(message)
}

// --- Global default logger ---

var defaultLogger *Logger

func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("gatekeeper", "info", "json")
	}
	return defaultLogger
}

func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
