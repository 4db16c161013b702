// Package accountpool implements the account pool service (C9): it wires
// the capacity tracker (C6), circuit breaker registry (C7), and selector
// (C8) together so callers can ask "give me an account for this
// organization that can take a call of this size" and get back one that
// is neither tripped nor saturated, then report back what happened when
// the call was made.
package accountpool

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/fluxgate-ai/gatekeeper/internal/accountpool/breaker"
	"github.com/fluxgate-ai/gatekeeper/internal/accountpool/capacity"
	"github.com/fluxgate-ai/gatekeeper/internal/accountpool/selector"
	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
	"github.com/fluxgate-ai/gatekeeper/internal/providerlimit"
)

// lockTTL bounds how long a RecordRequest's per-account serialization
// lock is held; long enough to cover a slow keyed-store round trip,
// short enough that a crashed holder doesn't wedge the account.
const lockTTL = 5 * time.Second

// AccountRecord is the relational-store view of one provider account.
type AccountRecord struct {
	ID             string
	OrganizationID string
	Provider       string
	Tier           int
	CostPerToken   float64
	MaxConcurrent  int
	Weight         float64
	Category       string
}

// RequestOutcome is what RecordRequest folds back into an account's
// capacity windows, breaker, and backing repository.
type RequestOutcome struct {
	Success     bool
	Tokens      int
	IsCacheRead bool
	Error       string
}

// Repository lists the candidate accounts for an organization and
// persists the durable half of a request outcome. Satisfied by
// internal/storage/postgres's account repository.
type Repository interface {
	ListByOrganization(ctx context.Context, organizationID string) ([]AccountRecord, error)
	Get(ctx context.Context, accountID string) (AccountRecord, error)
	RecordRequest(ctx context.Context, accountID string, outcome RequestOutcome) error
}

// Service is the account pool: selection against live capacity/breaker
// state, and outcome recording for one organization's accounts.
type Service struct {
	repo         Repository
	client       *kv.Client
	breakers     *breaker.Registry
	capacity     *capacity.Tracker
	providerLim  *providerlimit.Limiter
	strategy     selector.Strategy
	logger       *logging.Logger
	metrics      *metrics.Metrics
	rng          *rand.Rand
}

// New creates a Service from the account-pool configuration. providerLim
// may be nil, in which case a 429-style outcome is recorded everywhere
// except the provider-side backoff.
func New(repo Repository, client *kv.Client, cfg config.AccountPoolConfig, logger *logging.Logger, m *metrics.Metrics, providerLim *providerlimit.Limiter) *Service {
	return &Service{
		repo:        repo,
		client:      client,
		breakers:    breaker.NewRegistry(client, cfg, logger, m),
		capacity:    capacity.New(client, nil),
		providerLim: providerLim,
		strategy:    selector.Strategy(cfg.Strategy),
		logger:      logger,
		metrics:     m,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectParams is the input to SelectAccount.
type SelectParams struct {
	OrganizationID  string
	EstimatedTokens int
	Category        string
}

// SelectAccount picks an available account for params.OrganizationID
// that has room for params.EstimatedTokens more tokens. It returns
// (nil, nil) — not an error — when every candidate is unavailable, since
// "no backend available" is a routine outcome the caller must branch on,
// not a failure of the selection process itself.
func (s *Service) SelectAccount(ctx context.Context, params SelectParams) (*AccountRecord, error) {
	records, err := s.repo.ListByOrganization(ctx, params.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("accountpool: list accounts: %w", err)
	}
	if params.Category != "" {
		records = filterByCategory(records, params.Category)
	}
	if len(records) == 0 {
		s.recordSelectionMetric(params.OrganizationID, "no_accounts")
		return nil, nil
	}

	byID := make(map[string]AccountRecord, len(records))
	candidates := make([]selector.Account, 0, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec

		open, err := s.breakers.IsOpen(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("accountpool: check breaker for %s: %w", rec.ID, err)
		}

		hasCapacity, err := s.capacity.HasCapacity(ctx, capacity.Account{ID: rec.ID, Tier: rec.Tier}, params.EstimatedTokens)
		if err != nil {
			return nil, fmt.Errorf("accountpool: check capacity for %s: %w", rec.ID, err)
		}

		load, err := s.capacity.LoadFor(ctx, capacity.Account{ID: rec.ID, Tier: rec.Tier})
		if err != nil {
			return nil, fmt.Errorf("accountpool: load capacity for %s: %w", rec.ID, err)
		}

		candidates = append(candidates, selector.Account{
			ID:           rec.ID,
			Tier:         rec.Tier,
			CostPerToken: rec.CostPerToken,
			BreakerOpen:  open,
			AtCapacity:   !hasCapacity,
			Score:        load.Score(),
			Weight:       rec.Weight,
		})
	}

	cursor, err := s.nextRoundRobinCursor(ctx, params.OrganizationID)
	if err != nil {
		return nil, err
	}

	picked, _, err := selector.Select(s.strategy, candidates, cursor, s.rng)
	if err != nil {
		s.recordSelectionMetric(params.OrganizationID, "unavailable")
		return nil, nil
	}

	s.recordSelectionMetric(params.OrganizationID, "selected")
	account := byID[picked.ID]
	return &account, nil
}

// RecordRequest folds a completed call's outcome into accountID's
// capacity windows, circuit breaker, and the backing repository. Calls
// against the same account serialize through a short-lived keyed-store
// lock so concurrent RecordRequest calls (e.g. from two instances of the
// service) never interleave a capacity write with a breaker write for
// the same account. A 429-style outcome also notifies the provider-side
// rate limiter so it backs off future calls to that organization.
func (s *Service) RecordRequest(ctx context.Context, accountID string, outcome RequestOutcome) error {
	unlock, err := s.lockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.capacity.Record(ctx, accountID, capacity.Outcome{
		Success:     outcome.Success,
		Tokens:      outcome.Tokens,
		IsCacheRead: outcome.IsCacheRead,
	}); err != nil {
		return fmt.Errorf("accountpool: record capacity usage: %w", err)
	}

	if err := s.repo.RecordRequest(ctx, accountID, outcome); err != nil && s.logger != nil {
		s.logger.Error(ctx, "failed to persist account request outcome", err, map[string]interface{}{"account_id": accountID})
	}

	breakerErr := s.breakers.Record(ctx, accountID, outcome.Success)

	if !outcome.Success && outcome.Error != "" && s.providerLim != nil && providerlimit.IsRateLimitError(fmt.Errorf("%s", outcome.Error)) {
		if account, err := s.repo.Get(ctx, accountID); err == nil {
			if _, err := s.providerLim.SetBackoff(ctx, account.OrganizationID, account.Provider); err != nil && s.logger != nil {
				s.logger.Error(ctx, "failed to set provider backoff", err, map[string]interface{}{"account_id": accountID})
			}
		} else if s.logger != nil {
			s.logger.Error(ctx, "failed to resolve account for provider backoff", err, map[string]interface{}{"account_id": accountID})
		}
	}

	return breakerErr
}

func filterByCategory(records []AccountRecord, category string) []AccountRecord {
	out := make([]AccountRecord, 0, len(records))
	for _, r := range records {
		if r.Category == "" || r.Category == category {
			out = append(out, r)
		}
	}
	return out
}

// lockAccount acquires a short-lived SETNX lock so concurrent
// RecordRequest calls for the same account serialize instead of racing
// on the capacity/breaker writes. It retries briefly rather than failing
// outright, since the holder typically releases within milliseconds.
func (s *Service) lockAccount(ctx context.Context, accountID string) (func(), error) {
	key := "accountpool:lock:" + accountID
	token := fmt.Sprintf("%d", time.Now().UnixNano())

	deadline := time.Now().Add(lockTTL)
	for {
		ok, err := s.client.SetNX(ctx, key, token, lockTTL)
		if err != nil {
			return nil, fmt.Errorf("accountpool: acquire account lock: %w", err)
		}
		if ok {
			return func() { _ = s.client.Del(context.Background(), key) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("accountpool: account %s is locked by another request", accountID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// nextRoundRobinCursor atomically advances and returns the organization's
// round-robin cursor in the keyed store, so rotation is consistent across
// every instance of the service rather than per-process.
func (s *Service) nextRoundRobinCursor(ctx context.Context, organizationID string) (int, error) {
	n, err := s.client.IncrBy(ctx, "accountpool:"+organizationID+":rrcursor", 1)
	if err != nil {
		return 0, fmt.Errorf("accountpool: advance round-robin cursor: %w", err)
	}
	return int(n - 1), nil
}

func (s *Service) recordSelectionMetric(organizationID, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAccountSelection(organizationID, outcome)
	}
}
