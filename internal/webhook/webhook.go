// Package webhook implements the webhook delivery pipeline (C13): a
// Redis-queued at-least-once delivery loop with HMAC-signed payloads,
// exponential backoff with jitter, and a dead-letter queue for
// deliveries that exhaust their retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
)

// MaxRetries is the number of delivery attempts allowed before a record
// is moved to the dead-letter queue.
const MaxRetries = 5

const (
	deliveryTimeout = 30 * time.Second
	ttlPreTerminal  = 7 * 24 * time.Hour
	ttlPostDLQ      = 30 * 24 * time.Hour
	ttlPostDelivery = 24 * time.Hour
)

const (
	queuePending    = "webhook:queue:pending"
	queueProcessing = "webhook:queue:processing"
	queueRetry      = "webhook:queue:retry"
	queueDLQ        = "webhook:queue:dlq"
)

// Status is the lifecycle state of a WebhookRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusDLQ       Status = "dlq"
)

// Attempt records the outcome of one delivery try.
type Attempt struct {
	N          int       `json:"n"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

// Record is one webhook delivery: its destination, payload, and the
// attempts made so far. attempts.length never exceeds MaxRetries and
// Status never moves backward out of a terminal state.
type Record struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body"`
	OrganizationID string            `json:"organizationId"`
	EventType      string            `json:"eventType"`
	Secret         string            `json:"secret,omitempty"`
	Attempts       []Attempt         `json:"attempts"`
	Status         Status            `json:"status"`
	NextRetry      *time.Time        `json:"nextRetry,omitempty"`
}

// Pipeline drives enqueue and delivery of webhook records against the
// keyed store's list/sorted-set queues.
type Pipeline struct {
	client     *kv.Client
	httpClient *http.Client
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// New creates a Pipeline. httpClient may be nil to use a client with the
// standard 30s delivery timeout.
func New(client *kv.Client, httpClient *http.Client, logger *logging.Logger, m *metrics.Metrics) *Pipeline {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: deliveryTimeout}
	}
	return &Pipeline{client: client, httpClient: httpClient, logger: logger, metrics: m}
}

// EnqueueWebhook creates a pending webhook record and pushes it onto the
// pending queue, returning its ID for the caller to echo back to
// clients that want to correlate a create call with later delivery.
func (p *Pipeline) EnqueueWebhook(ctx context.Context, url, eventType, body, organizationID string, secret string, headers map[string]string) (string, error) {
	id := uuid.NewString()
	rec := Record{
		ID:             id,
		URL:            url,
		Method:         http.MethodPost,
		Headers:        headers,
		Body:           body,
		OrganizationID: organizationID,
		EventType:      eventType,
		Secret:         secret,
		Status:         StatusPending,
	}

	if err := p.save(ctx, rec, ttlPreTerminal); err != nil {
		return "", err
	}
	if err := p.client.RPush(ctx, queuePending, id); err != nil {
		return "", fmt.Errorf("webhook: push to pending queue: %w", err)
	}
	return id, nil
}

// popPendingScript atomically moves one record ID from pending to
// processing so exactly one worker ever holds a record in flight at a
// time; RPOPLPUSH alone would work for this but isn't exposed on the
// client, so the move is expressed as a stored script to keep the
// pop-and-mark step a single round trip.
const popPendingScript = `
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('RPUSH', KEYS[2], id)
end
return id
`

// popPending moves the next record from pending to processing and
// returns its ID, or "" if pending is empty.
func (p *Pipeline) popPending(ctx context.Context) (string, error) {
	res, err := p.client.Eval(ctx, popPendingScript, []string{queuePending, queueProcessing})
	if err != nil {
		return "", fmt.Errorf("webhook: pop pending: %w", err)
	}
	if res == nil {
		return "", nil
	}
	id, ok := res.(string)
	if !ok {
		return "", nil
	}
	return id, nil
}

// DeliverNext pops the next pending record (if any) and attempts
// delivery, returning false if the pending queue was empty.
func (p *Pipeline) DeliverNext(ctx context.Context) (bool, error) {
	id, err := p.popPending(ctx)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}

	rec, err := p.load(ctx, id)
	if err != nil {
		return true, fmt.Errorf("webhook: load record %s: %w", id, err)
	}

	p.deliver(ctx, rec)
	return true, nil
}

func (p *Pipeline) deliver(ctx context.Context, rec Record) {
	start := time.Now()
	statusCode, sendErr := p.send(ctx, rec)
	duration := time.Since(start)

	attempt := Attempt{N: len(rec.Attempts) + 1, StatusCode: statusCode, DurationMS: duration.Milliseconds(), At: time.Now()}
	if sendErr != nil {
		attempt.Error = sendErr.Error()
	}
	rec.Attempts = append(rec.Attempts, attempt)

	if p.logger != nil {
		p.logger.LogWebhookAttempt(ctx, rec.ID, attempt.N, statusCode, sendErr)
	}

	if sendErr == nil && statusCode >= 200 && statusCode < 300 {
		p.onDelivered(ctx, rec)
		return
	}

	p.onFailed(ctx, rec)
}

func (p *Pipeline) onDelivered(ctx context.Context, rec Record) {
	rec.Status = StatusDelivered
	_ = p.client.LRem(ctx, queueProcessing, 1, rec.ID)
	_ = p.save(ctx, rec, ttlPostDelivery)
	if p.metrics != nil {
		p.metrics.RecordWebhookDelivered(rec.EventType, float64(rec.Attempts[len(rec.Attempts)-1].DurationMS)/1000)
	}
}

func (p *Pipeline) onFailed(ctx context.Context, rec Record) {
	_ = p.client.LRem(ctx, queueProcessing, 1, rec.ID)

	if len(rec.Attempts) >= MaxRetries {
		rec.Status = StatusDLQ
		_ = p.save(ctx, rec, ttlPostDLQ)
		_ = p.client.RPush(ctx, queueDLQ, rec.ID)
		if p.metrics != nil {
			p.metrics.RecordWebhookDLQ(rec.EventType)
		}
		return
	}

	rec.Status = StatusFailed
	backoff := retryBackoff(len(rec.Attempts))
	next := time.Now().Add(backoff)
	rec.NextRetry = &next
	_ = p.save(ctx, rec, ttlPreTerminal)
	_ = p.client.ZAdd(ctx, queueRetry, float64(next.Unix()), rec.ID)
	if p.metrics != nil {
		p.metrics.RecordWebhookFailed(rec.EventType, float64(rec.Attempts[len(rec.Attempts)-1].DurationMS)/1000)
	}
}

// retryBackoff computes min(1s*2^n, 5m) with up to ±10% jitter, n being
// the number of attempts already made.
func retryBackoff(attemptsMade int) time.Duration {
	base := time.Second * time.Duration(1<<uint(attemptsMade))
	cap := 5 * time.Minute
	if base > cap {
		base = cap
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(base) * jitter)
}

// MoveDueRetries drains retry-queue entries whose score (scheduled
// retry time) is now due back onto the pending queue, so DeliverNext
// picks them up on its next pass. cmd/gatekeeper's retry mover calls it
// on a fixed interval; like the other queue operations it runs on the kv
// client's primary pool.
func (p *Pipeline) MoveDueRetries(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	ids, err := p.client.ZRangeByScore(ctx, queueRetry, "-inf", now)
	if err != nil {
		return 0, fmt.Errorf("webhook: scan retry queue: %w", err)
	}
	for _, id := range ids {
		if err := p.client.RPush(ctx, queuePending, id); err != nil {
			return 0, fmt.Errorf("webhook: requeue %s: %w", id, err)
		}
		if err := p.client.ZRem(ctx, queueRetry, id); err != nil {
			return 0, fmt.Errorf("webhook: remove %s from retry set: %w", id, err)
		}
	}
	return len(ids), nil
}

// RetryFromDLQ resets a dead-lettered record's attempt history and
// re-queues it as pending, used for manual operator-triggered retries.
func (p *Pipeline) RetryFromDLQ(ctx context.Context, id string) error {
	rec, err := p.load(ctx, id)
	if err != nil {
		return fmt.Errorf("webhook: load dlq record %s: %w", id, err)
	}
	if rec.Status != StatusDLQ {
		return errors.New("webhook: record is not in the dead-letter queue")
	}

	rec.Attempts = nil
	rec.Status = StatusPending
	rec.NextRetry = nil

	if err := p.save(ctx, rec, ttlPreTerminal); err != nil {
		return err
	}
	if err := p.client.LRem(ctx, queueDLQ, 1, id); err != nil {
		return fmt.Errorf("webhook: remove from dlq: %w", err)
	}
	return p.client.RPush(ctx, queuePending, id)
}

func (p *Pipeline) send(ctx context.Context, rec Record) (int, error) {
	sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, rec.Method, rec.URL, bytes.NewBufferString(rec.Body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", rec.ID)
	req.Header.Set("X-Webhook-Event", rec.EventType)
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}
	if rec.Secret != "" {
		req.Header.Set("X-Signature", Sign(rec.Secret, rec.Body))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Sign computes the HMAC-SHA256 signature sent as X-Signature, hex
// encoded, over the raw request body.
func Sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Pipeline) save(ctx context.Context, rec Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: marshal record: %w", err)
	}
	if err := p.client.Set(ctx, recordKey(rec.ID), string(payload), ttl); err != nil {
		return fmt.Errorf("webhook: save record: %w", err)
	}
	return nil
}

func (p *Pipeline) load(ctx context.Context, id string) (Record, error) {
	raw, err := p.client.Get(ctx, recordKey(id))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("webhook: unmarshal record: %w", err)
	}
	return rec, nil
}

func recordKey(id string) string {
	return "webhook:" + id
}
