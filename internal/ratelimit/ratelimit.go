// Package ratelimit implements the sliding-window rate limiter (C2):
// each call records its timestamp in a Redis sorted set keyed by scope,
// trims entries outside the window, and accepts or rejects based on the
// remaining cardinality. Unlike a fixed-window counter, this never lets a
// burst clustered across a window boundary through twice. The trim,
// count, and conditional insert run as a single Lua script so a
// concurrent caller against the same scope can never observe (or create)
// a torn read between the count and the insert.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
)

// allowScript trims expired entries, and only if the window still has
// room, records the attempt and refreshes the key's TTL. It never
// inserts a rejected attempt, so a client hammering a saturated scope
// does not itself keep pushing the window's reset time forward.
const allowScript = `
local key = KEYS[1]
local cutoff = ARGV[1]
local score = ARGV[2]
local member = ARGV[3]
local max = tonumber(ARGV[4])
local window_ms = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)

if count < max then
	redis.call('ZADD', key, score, member)
	redis.call('PEXPIRE', key, window_ms)
	return {1, count + 1}
end
return {0, count}
`

// Limit describes one sliding-window rule: at most Max requests per
// Window, evaluated per scope (e.g. "org:123" or "account:45:provider").
type Limit struct {
	Max    int
	Window time.Duration
}

// Limiter enforces sliding-window limits against the keyed store.
type Limiter struct {
	client *kv.Client
	prefix string
}

// New creates a Limiter whose sorted-set keys are namespaced under prefix
// (e.g. "ratelimit:").
func New(client *kv.Client, prefix string) *Limiter {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &Limiter{client: client, prefix: prefix}
}

// Result reports the outcome of an Allow check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Reason    string    `json:"reason,omitempty"`
}

// Allow atomically evaluates and (if admitted) records one request for
// scope against limit, as of now. A keyed-store error fails open
// (Allowed=true) rather than blocking every request behind a degraded
// dependency, with Reason set to explain why.
func (l *Limiter) Allow(ctx context.Context, scope string, limit Limit, now time.Time) (Result, error) {
	key := l.key(scope)
	cutoff := now.Add(-limit.Window).UnixNano()
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())

	raw, err := l.client.Eval(ctx, allowScript, []string{key},
		cutoff, now.UnixNano(), member, limit.Max, limit.Window.Milliseconds())
	if err != nil {
		return Result{Allowed: true, Remaining: limit.Max, ResetAt: now.Add(limit.Window), Reason: "check failed"}, nil
	}

	admitted, count, err := parseAllowResult(raw)
	if err != nil {
		return Result{Allowed: true, Remaining: limit.Max, ResetAt: now.Add(limit.Window), Reason: "check failed"}, nil
	}

	remaining := limit.Max - count
	if remaining < 0 {
		remaining = 0
	}

	result := Result{Allowed: admitted, Remaining: remaining, ResetAt: now.Add(limit.Window)}
	if !admitted {
		result.Reason = "rate limit exceeded"
		if metrics.Global() != nil {
			metrics.Global().RecordRateLimitRejection(scope)
		}
	}
	return result, nil
}

// parseAllowResult decodes the {admitted, count} array the Lua script
// returns into Go values; go-redis surfaces a Lua table reply as []interface{}
// of int64s.
func parseAllowResult(raw interface{}) (admitted bool, count int, err error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %#v", raw)
	}
	admittedN, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("ratelimit: unexpected admitted field %#v", arr[0])
	}
	countN, ok := arr[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("ratelimit: unexpected count field %#v", arr[1])
	}
	return admittedN == 1, int(countN), nil
}

func (l *Limiter) key(scope string) string {
	return l.prefix + scope
}

// Reset clears a scope's window, used by tests and admin tooling.
func (l *Limiter) Reset(ctx context.Context, scope string) error {
	return l.client.Del(ctx, l.key(scope))
}
