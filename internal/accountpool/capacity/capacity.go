// Package capacity implements the capacity tracker (C6): per-account
// RPM/TPM/ITPM sliding windows (60s), backed by sorted sets in the keyed
// store so every instance of the service sees the same usage. HasCapacity
// answers "is there room for one more call of this size" against an
// account's tier ceiling; Record folds a completed call's outcome back
// into the windows.
package capacity

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
)

// CacheReadTokenDiscount is the fraction of a cache-read response's
// tokens that count toward TPM capacity: a prompt-cache hit costs the
// provider a fraction of a fresh generation, so it should only claim a
// fraction of the token budget.
const CacheReadTokenDiscount = 0.10

// window is the width every RPM/TPM/ITPM sorted set is pruned to.
const window = 60 * time.Second

// Metric names one of the three windows a Tracker maintains per account.
type Metric string

const (
	MetricRPM  Metric = "rpm"
	MetricTPM  Metric = "tpm"
	MetricITPM Metric = "itpm"
)

// TierLimit is the {rpm, tpm, itpm} ceiling a tier fixes for every
// account assigned to it.
type TierLimit struct {
	RPM  int
	TPM  int
	ITPM int
}

// DefaultTierLimits is the built-in tier table; a deployment needing
// different ceilings builds a Tracker with its own map via New.
var DefaultTierLimits = map[int]TierLimit{
	1: {RPM: 60, TPM: 40_000, ITPM: 20_000},
	2: {RPM: 120, TPM: 80_000, ITPM: 40_000},
	3: {RPM: 300, TPM: 200_000, ITPM: 100_000},
	4: {RPM: 600, TPM: 500_000, ITPM: 250_000},
}

// Account is the subset of account state HasCapacity/LoadFor need: its
// identity and the tier that fixes its ceilings.
type Account struct {
	ID   string
	Tier int
}

// Outcome is what Record folds into an account's capacity windows.
type Outcome struct {
	Success     bool
	Tokens      int
	IsCacheRead bool
}

// Load is one account's current usage against its tier ceiling.
type Load struct {
	RPMUsed, RPMLimit   int
	TPMUsed, TPMLimit   int
	ITPMUsed, ITPMLimit int
}

// Score computes the selector's least-loaded metric: the average of the
// RPM and TPM fractional usage. A zero limit contributes 0 rather than
// dividing by zero.
func (l Load) Score() float64 {
	return (safeDiv(float64(l.RPMUsed), float64(l.RPMLimit)) + safeDiv(float64(l.TPMUsed), float64(l.TPMLimit))) / 2
}

func safeDiv(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

// Tracker maintains per-account RPM/TPM/ITPM sliding windows in the
// keyed store: each window is a sorted set scored by request timestamp,
// pruned to the trailing minute on every read and write.
type Tracker struct {
	client *kv.Client
	tiers  map[int]TierLimit
}

// New creates a Tracker. A nil tiers map falls back to DefaultTierLimits.
func New(client *kv.Client, tiers map[int]TierLimit) *Tracker {
	if tiers == nil {
		tiers = DefaultTierLimits
	}
	return &Tracker{client: client, tiers: tiers}
}

func (t *Tracker) limitFor(tier int) TierLimit {
	if l, ok := t.tiers[tier]; ok {
		return l
	}
	return DefaultTierLimits[1]
}

// Record folds one completed call into accountID's capacity windows. RPM
// always advances by one request. TPM advances by outcome.Tokens,
// discounted to CacheReadTokenDiscount when the response was served from
// the provider's prompt cache. ITPM (input tokens/minute) only advances
// for non-cache-read calls, since a cache hit consumes no fresh input
// budget.
func (t *Tracker) Record(ctx context.Context, accountID string, outcome Outcome) error {
	now := time.Now()

	if err := t.add(ctx, accountID, MetricRPM, now, 1); err != nil {
		return err
	}

	tpmTokens := outcome.Tokens
	if outcome.IsCacheRead {
		tpmTokens = int(math.Round(float64(outcome.Tokens) * CacheReadTokenDiscount))
	}
	if err := t.add(ctx, accountID, MetricTPM, now, tpmTokens); err != nil {
		return err
	}

	if !outcome.IsCacheRead {
		if err := t.add(ctx, accountID, MetricITPM, now, outcome.Tokens); err != nil {
			return err
		}
	}
	return nil
}

// HasCapacity prunes every window, reads each one's current usage
// against account's tier ceiling, and requires slack across all three
// (RPM for one more request, TPM and ITPM for estimatedTokens) before
// admitting the call.
func (t *Tracker) HasCapacity(ctx context.Context, account Account, estimatedTokens int) (bool, error) {
	limit := t.limitFor(account.Tier)

	rpmUsed, err := t.usage(ctx, account.ID, MetricRPM)
	if err != nil {
		return false, err
	}
	if limit.RPM > 0 && rpmUsed+1 > limit.RPM {
		return false, nil
	}

	tpmUsed, err := t.usage(ctx, account.ID, MetricTPM)
	if err != nil {
		return false, err
	}
	if limit.TPM > 0 && tpmUsed+estimatedTokens > limit.TPM {
		return false, nil
	}

	itpmUsed, err := t.usage(ctx, account.ID, MetricITPM)
	if err != nil {
		return false, err
	}
	if limit.ITPM > 0 && itpmUsed+estimatedTokens > limit.ITPM {
		return false, nil
	}

	return true, nil
}

// LoadFor returns account's current usage against its tier ceiling, used
// by the selector's least-loaded scoring.
func (t *Tracker) LoadFor(ctx context.Context, account Account) (Load, error) {
	limit := t.limitFor(account.Tier)

	rpmUsed, err := t.usage(ctx, account.ID, MetricRPM)
	if err != nil {
		return Load{}, err
	}
	tpmUsed, err := t.usage(ctx, account.ID, MetricTPM)
	if err != nil {
		return Load{}, err
	}
	itpmUsed, err := t.usage(ctx, account.ID, MetricITPM)
	if err != nil {
		return Load{}, err
	}

	return Load{
		RPMUsed: rpmUsed, RPMLimit: limit.RPM,
		TPMUsed: tpmUsed, TPMLimit: limit.TPM,
		ITPMUsed: itpmUsed, ITPMLimit: limit.ITPM,
	}, nil
}

// BatchLoad resolves LoadFor for every account in one call, so a
// selection pass over a whole organization's candidates doesn't need to
// be hand-rolled by each caller.
func (t *Tracker) BatchLoad(ctx context.Context, accounts []Account) (map[string]Load, error) {
	out := make(map[string]Load, len(accounts))
	for _, a := range accounts {
		load, err := t.LoadFor(ctx, a)
		if err != nil {
			return nil, err
		}
		out[a.ID] = load
	}
	return out, nil
}

func (t *Tracker) add(ctx context.Context, accountID string, metric Metric, now time.Time, magnitude int) error {
	key := t.windowKey(accountID, metric)
	if err := t.prune(ctx, key, now); err != nil {
		return err
	}

	member := fmt.Sprintf("%d:%s", magnitude, uuid.NewString())
	if err := t.client.ZAdd(ctx, key, float64(now.UnixNano()), member); err != nil {
		return fmt.Errorf("capacity: record %s for %s: %w", metric, accountID, err)
	}
	return t.client.Expire(ctx, key, window)
}

func (t *Tracker) usage(ctx context.Context, accountID string, metric Metric) (int, error) {
	key := t.windowKey(accountID, metric)
	now := time.Now()

	if err := t.prune(ctx, key, now); err != nil {
		return 0, err
	}

	members, err := t.client.ZRangeByScore(ctx, key, strconv.FormatInt(now.Add(-window).UnixNano(), 10), "+inf")
	if err != nil {
		return 0, fmt.Errorf("capacity: read %s window for %s: %w", metric, accountID, err)
	}

	sum := 0
	for _, member := range members {
		sum += magnitudeOf(member)
	}
	return sum, nil
}

func (t *Tracker) prune(ctx context.Context, key string, now time.Time) error {
	cutoff := now.Add(-window).UnixNano()
	return t.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
}

func (t *Tracker) windowKey(accountID string, metric Metric) string {
	return fmt.Sprintf("capacity:%s:%s", accountID, metric)
}

// magnitudeOf extracts the "<magnitude>:<uuid>" member's leading
// integer; a malformed member (there should be none) counts as 1 rather
// than panicking a hot read path.
func magnitudeOf(member string) int {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return 1
	}
	n, err := strconv.Atoi(member[:idx])
	if err != nil {
		return 1
	}
	return n
}
