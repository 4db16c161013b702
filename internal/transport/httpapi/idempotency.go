package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/apierr"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
)

// idempotencyGuard rejects a repeated Idempotency-Key within window, so a
// client retrying a timed-out POST /v1/usage or /v1/webhooks call can't
// double-charge a budget or double-enqueue a webhook. This is in-process
// only: it protects a single replica against its own retries, not the
// fleet — a caller behind a load balancer still wants idempotency enforced
// at the storage layer for a hard guarantee.
type idempotencyGuard struct {
	window time.Duration
	mu     sync.Mutex
	seen   map[string]time.Time
	logger *logging.Logger
}

func newIdempotencyGuard(window time.Duration, logger *logging.Logger) *idempotencyGuard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &idempotencyGuard{window: window, seen: make(map[string]time.Time), logger: logger}
}

// admit reports whether key is fresh (and marks it seen), or a replay
// within window.
func (g *idempotencyGuard) admit(key string) bool {
	if key == "" {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if seenAt, ok := g.seen[key]; ok && now.Sub(seenAt) < g.window {
		return false
	}
	if len(g.seen) > 4096 {
		g.evictExpired(now)
	}
	g.seen[key] = now
	return true
}

func (g *idempotencyGuard) evictExpired(now time.Time) {
	for k, t := range g.seen {
		if now.Sub(t) >= g.window {
			delete(g.seen, k)
		}
	}
}

// idempotencyMiddleware enforces admit() against the Idempotency-Key
// header on every request it wraps; requests without the header pass
// through untouched.
func idempotencyMiddleware(guard *idempotencyGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key != "" && !guard.admit(key) {
				if guard.logger != nil {
					guard.logger.WithContext(r.Context()).WithField("idempotency_key", key).Warn("duplicate idempotency key rejected")
				}
				writeError(w, r, apierr.Conflict("request already processed for this idempotency key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
