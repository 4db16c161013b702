package selector

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deterministicRNG() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func TestSelectSkipsOpenBreakerAndCapacity(t *testing.T) {
	candidates := []Account{
		{ID: "a", Tier: 1, BreakerOpen: true},
		{ID: "b", Tier: 1, AtCapacity: true},
		{ID: "c", Tier: 1},
	}
	picked, _, err := Select(LeastLoaded, candidates, 0, deterministicRNG())
	require.NoError(t, err)
	assert.Equal(t, "c", picked.ID)
}

func TestSelectReturnsErrWhenNoneAvailable(t *testing.T) {
	candidates := []Account{
		{ID: "a", BreakerOpen: true},
		{ID: "b", AtCapacity: true},
	}
	_, _, err := Select(LeastLoaded, candidates, 0, deterministicRNG())
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestLeastLoadedPrefersLowestScore(t *testing.T) {
	candidates := []Account{
		{ID: "a", Score: 0.8},
		{ID: "b", Score: 0.1},
		{ID: "c", Score: 0.4},
	}
	picked, _, err := Select(LeastLoaded, candidates, 0, deterministicRNG())
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
}

func TestTieBreakOrdersByTierThenCostThenID(t *testing.T) {
	candidates := []Account{
		{ID: "z", Tier: 1, CostPerToken: 0.01},
		{ID: "a", Tier: 2, CostPerToken: 0.02},
		{ID: "b", Tier: 2, CostPerToken: 0.01},
	}
	picked, _, err := Select(LeastLoaded, candidates, 0, deterministicRNG())
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID, "tier 2 beats tier 1; among tier 2, lower cost wins")
}

func TestRoundRobinRotatesThroughCandidates(t *testing.T) {
	candidates := []Account{
		{ID: "a", Tier: 1},
		{ID: "b", Tier: 1},
	}

	first, cursor, err := Select(RoundRobin, candidates, 0, deterministicRNG())
	require.NoError(t, err)
	second, _, err := Select(RoundRobin, candidates, cursor, deterministicRNG())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestWeightedFavorsHeavierAccountOverManySamples(t *testing.T) {
	candidates := []Account{
		{ID: "light", Tier: 1, Weight: 1},
		{ID: "heavy", Tier: 1, Weight: 9},
	}
	rng := deterministicRNG()

	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		picked, _, err := Select(Weighted, candidates, 0, rng)
		require.NoError(t, err)
		counts[picked.ID]++
	}

	assert.Greater(t, counts["heavy"], counts["light"])
}

func TestRandomOnlyPicksAvailableCandidates(t *testing.T) {
	candidates := []Account{
		{ID: "a", Tier: 1, BreakerOpen: true},
		{ID: "b", Tier: 1},
	}
	rng := deterministicRNG()

	for i := 0; i < 20; i++ {
		picked, _, err := Select(Random, candidates, 0, rng)
		require.NoError(t, err)
		assert.Equal(t, "b", picked.ID)
	}
}
