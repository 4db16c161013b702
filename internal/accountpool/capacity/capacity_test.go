package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := kv.New(config.KVConfig{
		URL:     srv.Addr(),
		Primary: config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
		Worker:  config.KVPoolConfig{MinConns: 1, MaxConns: 5, AcquireTimeout: 1000},
	})
	tiers := map[int]TierLimit{
		1: {RPM: 2, TPM: 1000, ITPM: 500},
	}
	return New(client, tiers), srv
}

func TestHasCapacityBlocksAfterRPMCeiling(t *testing.T) {
	tr, srv := newTestTracker(t)
	defer srv.Close()
	ctx := context.Background()
	acct := Account{ID: "acct-1", Tier: 1}

	require.NoError(t, tr.Record(ctx, acct.ID, Outcome{Success: true, Tokens: 10}))
	require.NoError(t, tr.Record(ctx, acct.ID, Outcome{Success: true, Tokens: 10}))

	ok, err := tr.HasCapacity(ctx, acct, 10)
	require.NoError(t, err)
	assert.False(t, ok, "third request should exceed the RPM:2 ceiling")
}

func TestHasCapacityBlocksAfterTPMCeiling(t *testing.T) {
	tr, srv := newTestTracker(t)
	defer srv.Close()
	ctx := context.Background()
	acct := Account{ID: "acct-1", Tier: 1}

	require.NoError(t, tr.Record(ctx, acct.ID, Outcome{Success: true, Tokens: 900}))

	ok, err := tr.HasCapacity(ctx, acct, 200)
	require.NoError(t, err)
	assert.False(t, ok, "900+200 exceeds the TPM:1000 ceiling")
}

func TestCacheReadTokensAreDiscounted(t *testing.T) {
	tr, srv := newTestTracker(t)
	defer srv.Close()
	ctx := context.Background()
	acct := Account{ID: "acct-1", Tier: 1}

	require.NoError(t, tr.Record(ctx, acct.ID, Outcome{Success: true, Tokens: 900, IsCacheRead: true}))

	load, err := tr.LoadFor(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 90, load.TPMUsed, "cache-read tokens should count at CacheReadTokenDiscount")
	assert.Equal(t, 0, load.ITPMUsed, "cache-read calls should not consume ITPM budget")
}

func TestWindowExpiresOldUsage(t *testing.T) {
	tr, srv := newTestTracker(t)
	defer srv.Close()
	ctx := context.Background()
	acct := Account{ID: "acct-1", Tier: 1}

	require.NoError(t, tr.Record(ctx, acct.ID, Outcome{Success: true, Tokens: 900}))
	srv.FastForward(2 * time.Minute)

	load, err := tr.LoadFor(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 0, load.RPMUsed)
	assert.Equal(t, 0, load.TPMUsed)
}

func TestAccountsAreIndependent(t *testing.T) {
	tr, srv := newTestTracker(t)
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "acct-1", Outcome{Success: true, Tokens: 900}))

	ok, err := tr.HasCapacity(ctx, Account{ID: "acct-2", Tier: 1}, 10)
	require.NoError(t, err)
	assert.True(t, ok, "acct-2's capacity should be unaffected by acct-1's usage")
}

func TestLoadScoreAveragesRPMAndTPMFraction(t *testing.T) {
	load := Load{RPMUsed: 1, RPMLimit: 2, TPMUsed: 500, TPMLimit: 1000}
	assert.InDelta(t, 0.5, load.Score(), 1e-9)
}
