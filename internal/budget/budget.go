// Package budget implements the usage/budget accountant (C12): it folds
// per-request cost into a daily log and a monthly rollup hash, derives
// spend-percentage status from that hash, and gates further calls once
// an organization's monthly budget is exceeded.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fluxgate-ai/gatekeeper/internal/kv"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/metrics"
)

// ErrBudgetExceeded is raised by EnforceBudgetWithAlert once an
// organization's monthly spend has reached its budget.
var ErrBudgetExceeded = errors.New("budget: monthly budget exceeded")

const (
	dailyTTL   = 7 * 24 * time.Hour
	monthlyTTL = 45 * 24 * time.Hour
)

// Status classifies how far into its monthly budget an organization is.
type Status string

const (
	StatusWithin    Status = "within"
	StatusWarning   Status = "warning"
	StatusCritical  Status = "critical"
	StatusExceeded  Status = "exceeded"
)

// Thresholds (percent of budget consumed) at which Status changes and at
// which CheckBudgetAlert considers firing a notification.
const (
	ThresholdWarning  = 80
	ThresholdCritical = 90
	ThresholdExceeded = 100
)

var alertThresholds = []int{ThresholdWarning, ThresholdCritical, ThresholdExceeded}

// Record is one billable request, appended to the daily log and folded
// into the monthly rollup. CostMinor is an integer count of millionths
// of a currency unit, never a float, to avoid rounding drift across
// millions of aggregated requests.
type Record struct {
	OrganizationID string    `json:"organizationId"`
	SessionID      string    `json:"sessionId,omitempty"`
	Model          string    `json:"model,omitempty"`
	InputTokens    int64     `json:"inputTokens"`
	OutputTokens   int64     `json:"outputTokens"`
	CostMinor      int64     `json:"costMinor"`
	Category       string    `json:"category,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// BudgetStatus is the derived view CheckBudget returns.
type BudgetStatus struct {
	BudgetMinor    int64   `json:"budgetMinor"`
	SpentMinor     int64   `json:"spentMinor"`
	RemainingMinor int64   `json:"remainingMinor"`
	UsedPercent    float64 `json:"usedPercent"`
	Status         Status  `json:"status"`
}

// Accountant tracks usage and budget status per organization against the
// keyed store.
type Accountant struct {
	client  *kv.Client
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates an Accountant.
func New(client *kv.Client, logger *logging.Logger, m *metrics.Metrics) *Accountant {
	return &Accountant{client: client, logger: logger, metrics: m}
}

// TrackUsage appends rec to the organization's daily log and folds its
// cost and token counts into the monthly rollup hash.
func (a *Accountant) TrackUsage(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		return errors.New("budget: record timestamp is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("budget: marshal record: %w", err)
	}

	dailyKey := dailyListKey(rec.OrganizationID, rec.Timestamp)
	if err := a.client.RPush(ctx, dailyKey, string(payload)); err != nil {
		return fmt.Errorf("budget: push daily record: %w", err)
	}
	if err := a.client.Expire(ctx, dailyKey, dailyTTL); err != nil {
		return fmt.Errorf("budget: set daily ttl: %w", err)
	}

	monthlyKey := monthlyHashKey(rec.OrganizationID, rec.Timestamp)
	fields := map[string]int64{
		"totalCost":         rec.CostMinor,
		"totalInputTokens":  rec.InputTokens,
		"totalOutputTokens": rec.OutputTokens,
		"requestCount":      1,
	}
	if rec.Model != "" {
		fields["model:"+rec.Model+":cost"] = rec.CostMinor
		fields["model:"+rec.Model+":requests"] = 1
	}
	if rec.Category != "" {
		fields["category:"+rec.Category+":cost"] = rec.CostMinor
		fields["category:"+rec.Category+":requests"] = 1
	}

	for field, delta := range fields {
		if _, err := a.client.HIncrBy(ctx, monthlyKey, field, delta); err != nil {
			return fmt.Errorf("budget: increment %s: %w", field, err)
		}
	}
	if err := a.client.Expire(ctx, monthlyKey, monthlyTTL); err != nil {
		return fmt.Errorf("budget: set monthly ttl: %w", err)
	}

	return nil
}

// CheckBudget reads the monthly rollup hash and derives BudgetStatus
// against budgetMinor, the organization's configured monthly budget.
func (a *Accountant) CheckBudget(ctx context.Context, organizationID string, budgetMinor int64) (BudgetStatus, error) {
	now := time.Now()
	hash, err := a.client.HGetAll(ctx, monthlyHashKey(organizationID, now))
	if err != nil {
		return BudgetStatus{}, fmt.Errorf("budget: read monthly hash: %w", err)
	}

	spent := parseInt64(hash["totalCost"])
	remaining := budgetMinor - spent
	var percent float64
	if budgetMinor > 0 {
		percent = float64(spent) / float64(budgetMinor) * 100
	}

	status := StatusWithin
	switch {
	case percent >= ThresholdExceeded:
		status = StatusExceeded
	case percent >= ThresholdCritical:
		status = StatusCritical
	case percent >= ThresholdWarning:
		status = StatusWarning
	}

	return BudgetStatus{
		BudgetMinor:    budgetMinor,
		SpentMinor:     spent,
		RemainingMinor: remaining,
		UsedPercent:    percent,
		Status:         status,
	}, nil
}

// AlertSender delivers a budget-threshold notification on whatever
// channel(s) the caller has configured (email, webhook, in-app).
type AlertSender func(ctx context.Context, organizationID string, status BudgetStatus, threshold int) error

// CheckBudgetAlert fires sender for the highest threshold status has
// crossed that has not already been marked sent this month, then marks
// it sent so a repeat call this month is a no-op. Returns the threshold
// alerted on, or 0 if none applied.
func (a *Accountant) CheckBudgetAlert(ctx context.Context, organizationID string, status BudgetStatus, sender AlertSender) (int, error) {
	now := time.Now()
	crossed := 0
	for _, t := range alertThresholds {
		if status.UsedPercent >= float64(t) {
			crossed = t
		}
	}
	if crossed == 0 {
		return 0, nil
	}

	markerKey := alertMarkerKey(organizationID, now, crossed)
	sent, err := a.client.Exists(ctx, markerKey)
	if err != nil {
		return 0, fmt.Errorf("budget: check alert marker: %w", err)
	}
	if sent {
		return 0, nil
	}

	if sender != nil {
		if err := sender(ctx, organizationID, status, crossed); err != nil {
			if a.logger != nil {
				a.logger.Error(ctx, "budget alert delivery failed", err, map[string]interface{}{
					"organization_id": organizationID, "threshold": crossed,
				})
			}
			return 0, fmt.Errorf("budget: send alert: %w", err)
		}
	}

	if a.metrics != nil {
		a.metrics.RecordBudgetAlert(organizationID, fmt.Sprintf("%d", crossed))
	}

	if err := a.client.Set(ctx, markerKey, "1", monthRemainder(now)); err != nil {
		return 0, fmt.Errorf("budget: mark alert sent: %w", err)
	}
	return crossed, nil
}

// EnforceBudgetWithAlert hard-blocks (returns ErrBudgetExceeded) once an
// organization's status is exceeded; otherwise it fires an alert, if one
// is due, without blocking the caller on delivery success.
func (a *Accountant) EnforceBudgetWithAlert(ctx context.Context, organizationID string, budgetMinor int64, sender AlertSender) error {
	status, err := a.CheckBudget(ctx, organizationID, budgetMinor)
	if err != nil {
		return err
	}

	go func() {
		bgCtx := context.Background()
		if _, alertErr := a.CheckBudgetAlert(bgCtx, organizationID, status, sender); alertErr != nil && a.logger != nil {
			a.logger.Error(bgCtx, "budget alert check failed", alertErr, map[string]interface{}{"organization_id": organizationID})
		}
	}()

	if status.Status == StatusExceeded {
		return fmt.Errorf("%w: organization %s at %.1f%%", ErrBudgetExceeded, organizationID, status.UsedPercent)
	}
	return nil
}

func dailyListKey(organizationID string, ts time.Time) string {
	return fmt.Sprintf("usage:daily:%s:%s", organizationID, ts.UTC().Format("2006-01-02"))
}

func monthlyHashKey(organizationID string, ts time.Time) string {
	return fmt.Sprintf("usage:monthly:%s:%s", organizationID, ts.UTC().Format("2006-01"))
}

func alertMarkerKey(organizationID string, ts time.Time, threshold int) string {
	return fmt.Sprintf("budget_alert_sent:%s:%s:%d", organizationID, ts.UTC().Format("2006-01"), threshold)
}

func monthRemainder(now time.Time) time.Duration {
	now = now.UTC()
	firstOfNextMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	d := firstOfNextMonth.Sub(now)
	if d <= 0 {
		d = 24 * time.Hour
	}
	return d
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
