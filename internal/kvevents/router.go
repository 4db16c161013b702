// Package kvevents implements the keyspace event router (C5): it
// subscribes to the keyed store's pub/sub channels and dispatches each
// message to every registered handler whose glob pattern matches the
// channel, so e.g. a "budget:*" handler and an "account:*:expired"
// handler can both listen on the same connection without knowing about
// each other.
package kvevents

import (
	"context"
	"path"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
)

// Handler processes one event delivered on a matching channel.
type Handler func(ctx context.Context, channel string, payload string)

type registration struct {
	pattern string
	handler Handler
}

// Router subscribes to keyspace channels and fans events out to handlers
// registered by glob pattern.
type Router struct {
	client *kv.Client
	logger *logging.Logger

	mu    sync.RWMutex
	regs  []registration
	pubsb *redis.PubSub
	stop  chan struct{}
	done  chan struct{}
}

// New creates a Router. Call Start to begin consuming events.
func New(client *kv.Client, logger *logging.Logger) *Router {
	return &Router{client: client, logger: logger, stop: make(chan struct{})}
}

// On registers handler for every channel matching pattern (path.Match
// syntax, e.g. "account:*:circuit"). Must be called before Start.
func (r *Router) On(pattern string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, registration{pattern: pattern, handler: handler})
}

// Start subscribes to patterns and begins the dispatch loop in a
// background goroutine. patterns are the Redis-side PSUBSCRIBE patterns
// (which may be broader than any single handler's glob, e.g. subscribing
// to "*" and filtering per handler in-process).
func (r *Router) Start(ctx context.Context, patterns ...string) error {
	r.pubsb = r.client.Subscribe(ctx, patterns...)
	r.done = make(chan struct{})

	go r.loop(ctx)
	return nil
}

func (r *Router) loop(ctx context.Context) {
	defer close(r.done)
	ch := r.pubsb.Channel()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.dispatch(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, channel, payload string) {
	r.mu.RLock()
	regs := make([]registration, len(r.regs))
	copy(regs, r.regs)
	r.mu.RUnlock()

	for _, reg := range regs {
		matched, err := path.Match(reg.pattern, channel)
		if err != nil || !matched {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil && r.logger != nil {
					r.logger.Error(ctx, "keyspace event handler panicked", nil, map[string]interface{}{
						"channel": channel, "pattern": reg.pattern, "recovered": rec,
					})
				}
			}()
			reg.handler(ctx, channel, payload)
		}()
	}
}

// Stop ends the dispatch loop and closes the subscription.
func (r *Router) Stop() error {
	close(r.stop)
	if r.pubsb != nil {
		_ = r.pubsb.Close()
	}
	if r.done != nil {
		<-r.done
	}
	return nil
}

// Publish emits an event on channel, for components that both produce and
// consume keyspace events.
func (r *Router) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload)
}
