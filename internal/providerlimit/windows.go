package providerlimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
)

// ProviderLimits are the baked-in per-provider ceilings for the four
// windows a Limiter enforces. Callers register one set per provider they
// talk to; an unregistered provider falls back to DefaultLimits.
type ProviderLimits struct {
	RPM int // requests per 60s
	RPH int // requests per 3600s
	TPM int // tokens per 60s
	TPD int // tokens per 86400s
}

// DefaultLimits applies when a provider has no specific entry.
var DefaultLimits = ProviderLimits{RPM: 60, RPH: 3000, TPM: 60_000, TPD: 2_000_000}

const (
	windowRPM = 60 * time.Second
	windowRPH = 3600 * time.Second
	windowTPM = 60 * time.Second
	windowTPD = 24 * time.Hour
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Limiter enforces the four-window (RPM/RPH/TPM/TPD) per-(organization,
// provider) budget described for the provider rate-limiter, plus an
// explicit backoff key that a 429 response sets and that dominates every
// window check until its TTL expires.
type Limiter struct {
	client *kv.Client
	limits map[string]ProviderLimits
	prefix string
}

// NewLimiter creates a Limiter. limits maps provider name to its window
// ceilings; providers absent from the map use DefaultLimits.
func NewLimiter(client *kv.Client, limits map[string]ProviderLimits) *Limiter {
	if limits == nil {
		limits = map[string]ProviderLimits{}
	}
	return &Limiter{client: client, limits: limits, prefix: "provlimit:"}
}

func (l *Limiter) limitsFor(provider string) ProviderLimits {
	if pl, ok := l.limits[provider]; ok {
		return pl
	}
	return DefaultLimits
}

// CheckResult reports whether a call may proceed right now.
type CheckResult struct {
	Limited      bool
	RetryAfterMS int64
	Reason       string
}

// Check reads the backoff key and all four windows for (organizationID,
// provider) and reports whether a call estimated to cost estimatedTokens
// may proceed. It does not itself record anything; call RecordUsage after
// a successful call.
func (l *Limiter) Check(ctx context.Context, organizationID, provider string, estimatedTokens int64) (CheckResult, error) {
	if wait, ok, err := l.backoffRemaining(ctx, organizationID, provider); err != nil {
		return CheckResult{}, err
	} else if ok {
		return CheckResult{Limited: true, RetryAfterMS: wait.Milliseconds(), Reason: "backoff"}, nil
	}

	limits := l.limitsFor(provider)

	checks := []struct {
		counter string
		window  time.Duration
		limit   int
		delta   int64
		reason  string
	}{
		{"rpm", windowRPM, limits.RPM, 1, "rpm"},
		{"rph", windowRPH, limits.RPH, 1, "rph"},
		{"tpm", windowTPM, limits.TPM, estimatedTokens, "tpm"},
		{"tpd", windowTPD, limits.TPD, estimatedTokens, "tpd"},
	}

	for _, c := range checks {
		count, ttl, err := l.peek(ctx, organizationID, provider, c.counter, c.window)
		if err != nil {
			return CheckResult{}, err
		}
		if c.limit > 0 && count+c.delta > int64(c.limit) {
			return CheckResult{Limited: true, RetryAfterMS: ttl.Milliseconds(), Reason: c.reason}, nil
		}
	}

	return CheckResult{}, nil
}

// RecordUsage increments the four window counters after a call actually
// goes out, so the next Check reflects it.
func (l *Limiter) RecordUsage(ctx context.Context, organizationID, provider string, tokens int64) error {
	if err := l.bump(ctx, organizationID, provider, "rpm", windowRPM, 1); err != nil {
		return err
	}
	if err := l.bump(ctx, organizationID, provider, "rph", windowRPH, 1); err != nil {
		return err
	}
	if err := l.bump(ctx, organizationID, provider, "tpm", windowTPM, tokens); err != nil {
		return err
	}
	if err := l.bump(ctx, organizationID, provider, "tpd", windowTPD, tokens); err != nil {
		return err
	}
	return nil
}

// SetBackoff doubles the previous backoff (base 1s, cap 60s) and sets its
// TTL to match, called when a provider returns a 429/"rate limit"/"too
// many requests" style error.
func (l *Limiter) SetBackoff(ctx context.Context, organizationID, provider string) (time.Duration, error) {
	key := l.backoffKey(organizationID, provider)
	prev, ok, err := l.previousBackoffDuration(ctx, organizationID, provider)
	if err != nil {
		return 0, err
	}
	next := backoffBase
	if ok && prev > 0 {
		next = prev * 2
	}
	if next > backoffCap {
		next = backoffCap
	}
	value := fmt.Sprintf("%d", next.Milliseconds())
	if err := l.client.Set(ctx, key, value, next); err != nil {
		return 0, fmt.Errorf("providerlimit: set backoff: %w", err)
	}
	return next, nil
}

// ClearBackoff removes the backoff key, called after a successful call.
func (l *Limiter) ClearBackoff(ctx context.Context, organizationID, provider string) error {
	return l.client.Del(ctx, l.backoffKey(organizationID, provider))
}

// IsRateLimitError reports whether err's message looks like a 429 /
// "rate limit" / "too many requests" response from a provider.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

// WithRateLimit wraps fn with Check/RecordUsage/SetBackoff bookkeeping:
// it retries up to maxRetries (default 3) times, sleeping up to
// min(retryAfterMs, 30s) between attempts, records usage and clears any
// backoff on success, and records a fresh backoff and retries on a
// rate-limit error. Any other error from fn is returned immediately.
func (l *Limiter) WithRateLimit(ctx context.Context, organizationID, provider string, estimatedTokens int64, maxRetries int, fn func(ctx context.Context) error) error {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for attempt := 0; ; attempt++ {
		res, err := l.Check(ctx, organizationID, provider, estimatedTokens)
		if err != nil {
			return err
		}
		if res.Limited {
			wait := time.Duration(res.RetryAfterMS) * time.Millisecond
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			if attempt >= maxRetries {
				return fmt.Errorf("providerlimit: %s/%s still limited after %d attempts (%s)", organizationID, provider, attempt, res.Reason)
			}
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		callErr := fn(ctx)
		if callErr == nil {
			if err := l.RecordUsage(ctx, organizationID, provider, estimatedTokens); err != nil {
				return err
			}
			return l.ClearBackoff(ctx, organizationID, provider)
		}

		if IsRateLimitError(callErr) {
			if _, err := l.SetBackoff(ctx, organizationID, provider); err != nil {
				return err
			}
			if attempt >= maxRetries {
				return callErr
			}
			continue
		}

		return callErr
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffRemaining returns the remaining TTL of the backoff key (what a
// caller should wait before retrying), or false if no backoff is set.
func (l *Limiter) backoffRemaining(ctx context.Context, organizationID, provider string) (time.Duration, bool, error) {
	key := l.backoffKey(organizationID, provider)
	ttl, err := l.client.PTTL(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("providerlimit: check backoff: %w", err)
	}
	if ttl <= 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// previousBackoffDuration reads the duration value stored in the backoff
// key itself (as opposed to its remaining TTL), so SetBackoff can double
// the duration that was originally applied rather than whatever is left.
func (l *Limiter) previousBackoffDuration(ctx context.Context, organizationID, provider string) (time.Duration, bool, error) {
	key := l.backoffKey(organizationID, provider)
	v, err := l.client.Get(ctx, key)
	if err != nil {
		if err == kv.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("providerlimit: read backoff: %w", err)
	}
	var ms int64
	if _, scanErr := fmt.Sscanf(v, "%d", &ms); scanErr != nil {
		return 0, false, nil
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

func (l *Limiter) peek(ctx context.Context, organizationID, provider, counter string, window time.Duration) (int64, time.Duration, error) {
	key := l.windowKey(organizationID, provider, counter, window)
	v, err := l.client.Get(ctx, key)
	if err != nil {
		if err == kv.ErrNotFound {
			return 0, window, nil
		}
		return 0, 0, fmt.Errorf("providerlimit: read window %s: %w", counter, err)
	}
	var n int64
	fmt.Sscanf(v, "%d", &n)
	return n, window, nil
}

func (l *Limiter) bump(ctx context.Context, organizationID, provider, counter string, window time.Duration, delta int64) error {
	if delta <= 0 {
		delta = 0
	}
	key := l.windowKey(organizationID, provider, counter, window)
	n, err := l.client.IncrBy(ctx, key, delta)
	if err != nil {
		return fmt.Errorf("providerlimit: bump window %s: %w", counter, err)
	}
	if n == delta {
		if err := l.client.Expire(ctx, key, window); err != nil {
			return fmt.Errorf("providerlimit: expire window %s: %w", counter, err)
		}
	}
	return nil
}

// windowKey buckets the counter by the current window boundary so a
// fixed-window counter naturally resets every `window` without an
// explicit reset job.
func (l *Limiter) windowKey(organizationID, provider, counter string, window time.Duration) string {
	bucket := time.Now().Unix() / int64(window.Seconds())
	return fmt.Sprintf("%s%s:%s:%s:%d", l.prefix, organizationID, provider, counter, bucket)
}

func (l *Limiter) backoffKey(organizationID, provider string) string {
	return fmt.Sprintf("%sbackoff:%s:%s", l.prefix, organizationID, provider)
}
