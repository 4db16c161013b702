package accountpool

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/gatekeeper/internal/accountpool/capacity"
	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
)

type fakeRepo struct {
	mu       sync.Mutex
	accounts []AccountRecord
	outcomes map[string]int
}

func (f *fakeRepo) ListByOrganization(ctx context.Context, organizationID string) ([]AccountRecord, error) {
	var out []AccountRecord
	for _, a := range f.accounts {
		if a.OrganizationID == organizationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) Get(ctx context.Context, accountID string) (AccountRecord, error) {
	for _, a := range f.accounts {
		if a.ID == accountID {
			return a, nil
		}
	}
	return AccountRecord{}, assert.AnError
}

func (f *fakeRepo) RecordRequest(ctx context.Context, accountID string, outcome RequestOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string]int)
	}
	if outcome.Success {
		f.outcomes[accountID]++
	} else {
		f.outcomes[accountID]--
	}
	return nil
}

func newTestService(t *testing.T, repo *fakeRepo) (*Service, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := kv.New(config.KVConfig{
		URL:     srv.Addr(),
		Primary: config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
		Worker:  config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
	})
	cfg := config.AccountPoolConfig{
		Strategy:                  "least-loaded",
		OpenThreshold:             2,
		HalfOpenAfterMS:           20,
		HalfOpenSuccessesRequired: 1,
	}
	return New(repo, client, cfg, nil, nil, nil), srv
}

func TestSelectAccountReturnsCandidate(t *testing.T) {
	repo := &fakeRepo{accounts: []AccountRecord{
		{ID: "acct-1", OrganizationID: "org-1", Tier: 1, MaxConcurrent: 1},
	}}
	svc, srv := newTestService(t, repo)
	defer srv.Close()

	account, err := svc.SelectAccount(context.Background(), SelectParams{OrganizationID: "org-1", EstimatedTokens: 10})
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, "acct-1", account.ID)
}

func TestSelectAccountReturnsNilWhenOrgHasNoAccounts(t *testing.T) {
	repo := &fakeRepo{}
	svc, srv := newTestService(t, repo)
	defer srv.Close()

	account, err := svc.SelectAccount(context.Background(), SelectParams{OrganizationID: "org-missing", EstimatedTokens: 10})
	require.NoError(t, err, "no backend available is not itself an error")
	assert.Nil(t, account)
}

func TestSelectAccountSkipsAccountOverCapacity(t *testing.T) {
	repo := &fakeRepo{accounts: []AccountRecord{
		{ID: "acct-1", OrganizationID: "org-1", Tier: 1},
	}}
	svc, srv := newTestService(t, repo)
	defer srv.Close()
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, svc.RecordRequest(ctx, "acct-1", RequestOutcome{Success: true, Tokens: 1}))
	}

	account, err := svc.SelectAccount(ctx, SelectParams{OrganizationID: "org-1", EstimatedTokens: 1})
	require.NoError(t, err)
	assert.Nil(t, account, "account at its tier's RPM ceiling should be unavailable")
}

func TestSelectAccountFiltersByCategory(t *testing.T) {
	repo := &fakeRepo{accounts: []AccountRecord{
		{ID: "acct-1", OrganizationID: "org-1", Tier: 1, Category: "premium"},
		{ID: "acct-2", OrganizationID: "org-1", Tier: 1, Category: "standard"},
	}}
	svc, srv := newTestService(t, repo)
	defer srv.Close()

	account, err := svc.SelectAccount(context.Background(), SelectParams{OrganizationID: "org-1", EstimatedTokens: 10, Category: "standard"})
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, "acct-2", account.ID)
}

func TestRecordRequestUpdatesRepositoryAndCapacity(t *testing.T) {
	repo := &fakeRepo{accounts: []AccountRecord{
		{ID: "acct-1", OrganizationID: "org-1", Tier: 1},
	}}
	svc, srv := newTestService(t, repo)
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, svc.RecordRequest(ctx, "acct-1", RequestOutcome{Success: false, Tokens: 5, Error: "boom"}))

	load, err := svc.capacity.LoadFor(ctx, capacity.Account{ID: "acct-1", Tier: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, load.RPMUsed)
	assert.Equal(t, 5, load.TPMUsed)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, -1, repo.outcomes["acct-1"])
}

func TestRecordRequestTripsBreakerAfterRepeatedFailures(t *testing.T) {
	repo := &fakeRepo{accounts: []AccountRecord{
		{ID: "acct-1", OrganizationID: "org-1", Tier: 1},
	}}
	svc, srv := newTestService(t, repo)
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, svc.RecordRequest(ctx, "acct-1", RequestOutcome{Success: false}))
	require.NoError(t, svc.RecordRequest(ctx, "acct-1", RequestOutcome{Success: false}))

	account, err := svc.SelectAccount(ctx, SelectParams{OrganizationID: "org-1", EstimatedTokens: 1})
	require.NoError(t, err)
	assert.Nil(t, account, "breaker should be open after consecutive failures")
}
