// Package breaker implements the per-account circuit breaker (C7):
// closed -> open after OpenThreshold consecutive failures, open ->
// half-open after HalfOpenAfterMS, and half-open -> closed after
// HalfOpenSuccessesRequired consecutive successes. Unlike an in-process
// breaker, state is persisted as a hash in the keyed store so every
// instance of the service (and every replica behind the load balancer)
// agrees on whether an account's circuit is open.
package breaker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
)

// State names one of the three circuit states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Record (and should be treated by callers) when
// an account's circuit is open and the call must not be attempted.
var ErrOpen = errors.New("breaker: circuit is open")

// circuitState is the hash persisted at breaker:<accountID>.
type circuitState struct {
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	Status              State
	CircuitOpensAt      time.Time
}

// Registry resolves and mutates account circuit state against the keyed
// store, applying cfg's thresholds uniformly to every account.
type Registry struct {
	client  *kv.Client
	cfg     config.AccountPoolConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a Registry using cfg for every account's thresholds.
func NewRegistry(client *kv.Client, cfg config.AccountPoolConfig, logger *logging.Logger, m *metrics.Metrics) *Registry {
	return &Registry{client: client, cfg: cfg, logger: logger, metrics: m}
}

func (r *Registry) openThreshold() int {
	if r.cfg.OpenThreshold > 0 {
		return r.cfg.OpenThreshold
	}
	return 5
}

func (r *Registry) halfOpenAfter() time.Duration {
	if r.cfg.HalfOpenAfterMS > 0 {
		return time.Duration(r.cfg.HalfOpenAfterMS) * time.Millisecond
	}
	return 30 * time.Second
}

func (r *Registry) halfOpenSuccessesRequired() int {
	if r.cfg.HalfOpenSuccessesRequired > 0 {
		return r.cfg.HalfOpenSuccessesRequired
	}
	return 1
}

// IsOpen reports whether accountID's circuit currently rejects calls,
// resolving an elapsed open->half-open transition without writing it
// back (the transition is only persisted once Record observes an
// outcome in the half-open state).
func (r *Registry) IsOpen(ctx context.Context, accountID string) (bool, error) {
	state, err := r.load(ctx, accountID)
	if err != nil {
		return false, err
	}
	effective := r.effectiveState(state)
	return effective.Status == StateOpen, nil
}

// Record folds a call's outcome into accountID's circuit, persisting the
// resulting state. It returns ErrOpen if the circuit was (or still is)
// open and the call should not have been attempted.
func (r *Registry) Record(ctx context.Context, accountID string, success bool) error {
	state, err := r.load(ctx, accountID)
	if err != nil {
		return err
	}
	state = r.effectiveState(state)

	from := state.Status
	if state.Status == StateOpen {
		if err := r.save(ctx, accountID, state); err != nil {
			return err
		}
		r.notifyTransition(accountID, from, state.Status)
		return ErrOpen
	}

	if success {
		switch state.Status {
		case StateHalfOpen:
			state.HalfOpenSuccesses++
			if state.HalfOpenSuccesses >= r.halfOpenSuccessesRequired() {
				state = circuitState{Status: StateClosed}
			}
		default:
			state = circuitState{Status: StateClosed}
		}
	} else {
		switch state.Status {
		case StateHalfOpen:
			state = circuitState{Status: StateOpen, CircuitOpensAt: time.Now(), ConsecutiveFailures: r.openThreshold()}
		default:
			state.ConsecutiveFailures++
			state.HalfOpenSuccesses = 0
			if state.ConsecutiveFailures >= r.openThreshold() {
				state.Status = StateOpen
				state.CircuitOpensAt = time.Now()
			}
		}
	}

	if err := r.save(ctx, accountID, state); err != nil {
		return err
	}
	r.notifyTransition(accountID, from, state.Status)
	return nil
}

// effectiveState resolves an open circuit whose HalfOpenAfterMS has
// elapsed into half-open, without persisting the transition; the
// transition is committed by the next Record call so that reads (IsOpen)
// never need to write.
func (r *Registry) effectiveState(state circuitState) circuitState {
	if state.Status == StateOpen && !state.CircuitOpensAt.IsZero() && time.Since(state.CircuitOpensAt) >= r.halfOpenAfter() {
		return circuitState{Status: StateHalfOpen}
	}
	return state
}

func (r *Registry) load(ctx context.Context, accountID string) (circuitState, error) {
	fields, err := r.client.HGetAll(ctx, r.key(accountID))
	if err != nil {
		return circuitState{}, err
	}
	if len(fields) == 0 {
		return circuitState{Status: StateClosed}, nil
	}

	state := circuitState{}
	if v, ok := fields["consecutive_failures"]; ok {
		state.ConsecutiveFailures, _ = strconv.Atoi(v)
	}
	if v, ok := fields["half_open_successes"]; ok {
		state.HalfOpenSuccesses, _ = strconv.Atoi(v)
	}
	if v, ok := fields["status"]; ok {
		n, _ := strconv.Atoi(v)
		state.Status = State(n)
	}
	if v, ok := fields["circuit_opens_at"]; ok && v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			state.CircuitOpensAt = time.Unix(0, unix)
		}
	}
	return state, nil
}

func (r *Registry) save(ctx context.Context, accountID string, state circuitState) error {
	opensAt := ""
	if !state.CircuitOpensAt.IsZero() {
		opensAt = strconv.FormatInt(state.CircuitOpensAt.UnixNano(), 10)
	}
	return r.client.HSet(ctx, r.key(accountID),
		"consecutive_failures", strconv.Itoa(state.ConsecutiveFailures),
		"half_open_successes", strconv.Itoa(state.HalfOpenSuccesses),
		"status", strconv.Itoa(int(state.Status)),
		"circuit_opens_at", opensAt,
	)
}

func (r *Registry) key(accountID string) string {
	return "breaker:" + accountID
}

func (r *Registry) notifyTransition(accountID string, from, to State) {
	if from == to {
		return
	}
	if r.logger != nil {
		r.logger.LogCircuitTransition(context.Background(), accountID, from.String(), to.String())
	}
	if r.metrics != nil {
		delta := 0.0
		if to == StateOpen {
			delta = 1
		} else if from == StateOpen {
			delta = -1
		}
		r.metrics.RecordCircuitTransition(from.String(), to.String(), delta)
	}
}
