// Package selector implements the account selector (C8): given the
// candidate accounts for an organization, pick one according to the
// configured strategy, skipping accounts whose breaker is open or whose
// capacity is exhausted.
package selector

import (
	"errors"
	"math/rand"
	"sort"
)

// ErrNoBackendAvailable is returned when every candidate account is
// unavailable (open breaker or at capacity).
var ErrNoBackendAvailable = errors.New("selector: no backend account available")

// Account is the subset of account state the selector needs to rank candidates.
type Account struct {
	ID           string
	Tier         int     // higher tiers are preferred
	CostPerToken float64 // lower is more cost-efficient
	BreakerOpen  bool
	AtCapacity   bool
	Score        float64 // capacity.Load.Score(): lower is less loaded
	Weight       float64 // relative share for the weighted strategy
}

// Strategy names a selection algorithm.
type Strategy string

const (
	// LeastLoaded picks the available account with the lowest RPM/TPM
	// load score, then falls back to the tie-break order.
	LeastLoaded Strategy = "least-loaded"
	// RoundRobin picks candidates in rotation, tracked by the caller via
	// the returned index.
	RoundRobin Strategy = "round-robin"
	// Weighted picks randomly among candidates with probability
	// proportional to Weight.
	Weighted Strategy = "weighted"
	// Random picks uniformly at random among available candidates.
	Random Strategy = "random"
)

// Select picks one account from candidates per strategy. Ties (and
// round-robin's starting order) are broken by: tier descending, then
// cost-per-token ascending, then account ID ascending — so selection is
// deterministic across replicas evaluating the same candidate set. rng
// drives the Weighted/Random strategies; pass a seeded *rand.Rand for
// reproducible tests, or one seeded from the clock in production.
func Select(strategy Strategy, candidates []Account, roundRobinCursor int, rng *rand.Rand) (Account, int, error) {
	available := filterAvailable(candidates)
	if len(available) == 0 {
		return Account{}, roundRobinCursor, ErrNoBackendAvailable
	}

	sort.Slice(available, func(i, j int) bool { return lessByTieBreak(available[i], available[j]) })

	switch strategy {
	case RoundRobin:
		idx := roundRobinCursor % len(available)
		return available[idx], roundRobinCursor + 1, nil
	case Weighted:
		return selectWeighted(available, rng), roundRobinCursor, nil
	case Random:
		return available[rng.Intn(len(available))], roundRobinCursor, nil
	case LeastLoaded:
		fallthrough
	default:
		sort.SliceStable(available, func(i, j int) bool {
			if available[i].Score != available[j].Score {
				return available[i].Score < available[j].Score
			}
			return lessByTieBreak(available[i], available[j])
		})
		return available[0], roundRobinCursor, nil
	}
}

// selectWeighted picks an account with probability proportional to its
// Weight. An account with Weight <= 0 is given a floor weight of 1 so it
// can still be selected rather than being silently excluded.
func selectWeighted(available []Account, rng *rand.Rand) Account {
	total := 0.0
	for _, a := range available {
		total += weightOf(a)
	}
	if total <= 0 {
		return available[0]
	}

	pick := rng.Float64() * total
	cursor := 0.0
	for _, a := range available {
		cursor += weightOf(a)
		if pick < cursor {
			return a
		}
	}
	return available[len(available)-1]
}

func weightOf(a Account) float64 {
	if a.Weight > 0 {
		return a.Weight
	}
	return 1
}

func filterAvailable(candidates []Account) []Account {
	available := make([]Account, 0, len(candidates))
	for _, a := range candidates {
		if a.BreakerOpen || a.AtCapacity {
			continue
		}
		available = append(available, a)
	}
	return available
}

// lessByTieBreak orders a before b: tier descending, cost-efficiency
// ascending, account ID ascending.
func lessByTieBreak(a, b Account) bool {
	if a.Tier != b.Tier {
		return a.Tier > b.Tier
	}
	if a.CostPerToken != b.CostPerToken {
		return a.CostPerToken < b.CostPerToken
	}
	return a.ID < b.ID
}
