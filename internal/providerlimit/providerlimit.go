// Package providerlimit implements the provider-side rate limiter (C11):
// a per-provider token bucket that paces outbound calls, plus retry with
// exponential backoff and jitter for 429/5xx responses, honoring a
// provider's Retry-After header when present.
package providerlimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
)

// ErrRateLimitedByProvider is returned when a provider call keeps coming
// back 429 past the configured retry budget.
var ErrRateLimitedByProvider = errors.New("providerlimit: provider rate limit exceeded retries")

// Bucket paces calls to a single provider account.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket creates a token bucket allowing ratePerSecond steady-state
// throughput with the given burst.
func NewBucket(ratePerSecond float64, burst int) *Bucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Allow reports whether a token is immediately available, without blocking.
func (b *Bucket) Allow() bool { return b.limiter.Allow() }

// Registry tracks one Bucket per provider, created lazily.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	rate    float64
	burst   int
}

// NewRegistry creates a Registry whose buckets share a default rate/burst.
func NewRegistry(ratePerSecond float64, burst int) *Registry {
	return &Registry{buckets: make(map[string]*Bucket), rate: ratePerSecond, burst: burst}
}

// Bucket returns (creating if necessary) the token bucket for provider.
func (r *Registry) Bucket(provider string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[provider]
	if !ok {
		b = NewBucket(r.rate, r.burst)
		r.buckets[provider] = b
	}
	return b
}

// RetryPolicy configures the exponential-backoff retry loop around an
// outbound provider call.
type RetryPolicy struct {
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// PolicyFromConfig builds a RetryPolicy from the service's provider-limit
// configuration.
func PolicyFromConfig(cfg config.ProviderLimitConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:  cfg.MaxRetries,
		BaseBackoff: time.Duration(cfg.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
	}
}

// CallResult is what fn must report back so Do can tell a retryable
// throttle from a terminal failure.
type CallResult struct {
	RateLimited bool
	RetryAfter  time.Duration
	Err         error
}

// Do runs fn, retrying with exponential backoff and jitter whenever fn
// reports RateLimited, honoring RetryAfter if the provider supplied one.
func (p RetryPolicy) Do(ctx context.Context, provider string, fn func(ctx context.Context) CallResult) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = orDefault(p.BaseBackoff, time.Second)
	bo.MaxInterval = orDefault(p.MaxBackoff, 60*time.Second)
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	attempt := 0
	var lastErr error

	for {
		res := fn(ctx)
		if res.Err == nil && !res.RateLimited {
			return nil
		}
		lastErr = res.Err
		if !res.RateLimited {
			return res.Err
		}
		if metrics.Global() != nil {
			metrics.Global().RecordProviderBackoff(provider)
		}

		attempt++
		if attempt > maxRetries {
			if lastErr != nil {
				return lastErr
			}
			return ErrRateLimitedByProvider
		}

		wait := res.RetryAfter
		if wait <= 0 {
			wait = bo.NextBackOff()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RetryAfterFromHeader parses a standard HTTP Retry-After header (seconds
// form only, the form providers actually send for 429s) into a duration.
func RetryAfterFromHeader(h http.Header) (time.Duration, bool) {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
