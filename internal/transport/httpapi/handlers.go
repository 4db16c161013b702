package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fluxgate-ai/gatekeeper/internal/accountpool"
	"github.com/fluxgate-ai/gatekeeper/internal/accountpool/breaker"
	"github.com/fluxgate-ai/gatekeeper/internal/analyzer"
	"github.com/fluxgate-ai/gatekeeper/internal/budget"
	"github.com/fluxgate-ai/gatekeeper/internal/cache"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/apierr"
	"github.com/fluxgate-ai/gatekeeper/internal/ratelimit"
	"github.com/fluxgate-ai/gatekeeper/internal/webhook"
)

// Services bundles every component handlers.go dispatches to. cmd/gatekeeper
// constructs one and hands it to NewRouter.
type Services struct {
	AccountPool   *accountpool.Service
	RateLimiter   *ratelimit.Limiter
	ResponseCache *cache.Cache
	Budget        *budget.Accountant
	Webhooks      *webhook.Pipeline
}

// analyzeRequest is the body of POST /v1/analyze.
type analyzeRequest struct {
	Text    string           `json:"text" validate:"required"`
	Context analyzer.Context `json:"context"`
	Hook    string           `json:"hook,omitempty"`
}

func handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var result analyzer.RequestAnalysis
	if req.Hook != "" {
		result = analyzer.AnalyzeWithHook(req.Text, req.Context, analyzer.CustomRuleHook(req.Hook))
	} else {
		result = analyzer.Analyze(req.Text, req.Context)
	}
	writeJSON(w, http.StatusOK, result)
}

type selectAccountRequest struct {
	OrganizationID  string `json:"organizationId" validate:"required"`
	EstimatedTokens int    `json:"estimatedTokens"`
	Category        string `json:"category,omitempty"`
}

type selectAccountResponse struct {
	AccountID string `json:"accountId"`
	Provider  string `json:"provider"`
	Tier      int    `json:"tier"`
}

func selectAccountHandler(svc *accountpool.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectAccountRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		account, err := svc.SelectAccount(r.Context(), accountpool.SelectParams{
			OrganizationID:  req.OrganizationID,
			EstimatedTokens: req.EstimatedTokens,
			Category:        req.Category,
		})
		if err != nil {
			writeError(w, r, apierr.Internal("account selection failed", err))
			return
		}
		if account == nil {
			writeError(w, r, apierr.NoBackendAvailable(req.OrganizationID))
			return
		}
		writeJSON(w, http.StatusOK, selectAccountResponse{
			AccountID: account.ID,
			Provider:  account.Provider,
			Tier:      account.Tier,
		})
	}
}

type reportOutcomeRequest struct {
	Success     bool   `json:"success"`
	Tokens      int    `json:"tokens,omitempty"`
	IsCacheRead bool   `json:"isCacheRead,omitempty"`
	Error       string `json:"error,omitempty"`
}

func reportOutcomeHandler(svc *accountpool.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")
		var req reportOutcomeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if accountID == "" {
			writeError(w, r, apierr.MissingParameter("id"))
			return
		}

		err := svc.RecordRequest(r.Context(), accountID, accountpool.RequestOutcome{
			Success:     req.Success,
			Tokens:      req.Tokens,
			IsCacheRead: req.IsCacheRead,
			Error:       req.Error,
		})
		if err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				writeJSON(w, http.StatusOK, map[string]interface{}{"accountId": accountID, "breakerOpen": true})
				return
			}
			writeError(w, r, apierr.Internal("report outcome failed", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accountId": accountID})
	}
}

type checkLimitRequest struct {
	UserKey  string `json:"userKey" validate:"required"`
	OrgKey   string `json:"orgKey" validate:"required"`
	WindowMS int64  `json:"windowMs" validate:"required,gt=0"`
	UserMax  int    `json:"userMax" validate:"required,gt=0"`
	OrgMax   int    `json:"orgMax" validate:"required,gt=0"`
}

type checkLimitResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Reason    string    `json:"reason,omitempty"`
}

// checkLimitHandler enforces the dual user+org sliding-window contract
// (C2): a request is admitted only if it has room under both the user's
// key and the organization's key, since a single noisy user inside an
// otherwise quiet organization must still be bounded, and a quiet user
// inside a saturated organization must still be rejected.
func checkLimitHandler(limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkLimitRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		window := time.Duration(req.WindowMS) * time.Millisecond
		now := time.Now()

		userResult, err := limiter.Allow(r.Context(), req.UserKey, ratelimit.Limit{Max: req.UserMax, Window: window}, now)
		if err != nil {
			writeError(w, r, apierr.Internal("rate limit check failed", err))
			return
		}
		orgResult, err := limiter.Allow(r.Context(), req.OrgKey, ratelimit.Limit{Max: req.OrgMax, Window: window}, now)
		if err != nil {
			writeError(w, r, apierr.Internal("rate limit check failed", err))
			return
		}

		resp := combineLimitResults(userResult, orgResult)
		if !resp.Allowed {
			writeError(w, r, apierr.RateLimitExceeded(req.UserKey+"/"+req.OrgKey, minInt(req.UserMax, req.OrgMax), req.WindowMS))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// combineLimitResults admits iff both the user-scoped and org-scoped
// checks admit, surfacing whichever one is tighter as the reported
// remaining/reason so a caller backing off sees the binding constraint.
func combineLimitResults(user, org ratelimit.Result) checkLimitResponse {
	remaining := user.Remaining
	if org.Remaining < remaining {
		remaining = org.Remaining
	}
	resetAt := user.ResetAt
	if org.ResetAt.After(resetAt) {
		resetAt = org.ResetAt
	}

	if !user.Allowed {
		return checkLimitResponse{Allowed: false, Remaining: remaining, ResetAt: resetAt, Reason: "user: " + user.Reason}
	}
	if !org.Allowed {
		return checkLimitResponse{Allowed: false, Remaining: remaining, ResetAt: resetAt, Reason: "organization: " + org.Reason}
	}
	return checkLimitResponse{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type trackUsageRequest struct {
	budget.Record
	BudgetMinor  int64  `json:"budgetMinor"`
	WebhookURL   string `json:"alertWebhookUrl,omitempty"`
}

func trackUsageHandler(acct *budget.Accountant, hooks *webhook.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req trackUsageRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.OrganizationID == "" {
			writeError(w, r, apierr.MissingParameter("organizationId"))
			return
		}
		if req.Timestamp.IsZero() {
			req.Timestamp = time.Now()
		}

		if err := acct.TrackUsage(r.Context(), req.Record); err != nil {
			writeError(w, r, apierr.Internal("usage tracking failed", err))
			return
		}

		var sender budget.AlertSender
		if hooks != nil && req.WebhookURL != "" {
			sender = func(ctx context.Context, organizationID string, status budget.BudgetStatus, threshold int) error {
				_, err := hooks.EnqueueWebhook(ctx, req.WebhookURL, "budget.alert", alertBody(organizationID, status, threshold), organizationID, "", nil)
				return err
			}
		}

		if err := acct.EnforceBudgetWithAlert(r.Context(), req.OrganizationID, req.BudgetMinor, sender); err != nil {
			if errors.Is(err, budget.ErrBudgetExceeded) {
				status, statusErr := acct.CheckBudget(r.Context(), req.OrganizationID, req.BudgetMinor)
				usedPercent := 100.0
				if statusErr == nil {
					usedPercent = status.UsedPercent
				}
				writeError(w, r, apierr.BudgetExceeded(req.OrganizationID, usedPercent))
				return
			}
			writeError(w, r, apierr.Internal("budget enforcement failed", err))
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
	}
}

func checkBudgetHandler(acct *budget.Accountant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		organizationID := chi.URLParam(r, "org")
		budgetMinor, err := parseQueryInt64(r, "budgetMinor")
		if err != nil {
			writeError(w, r, apierr.InvalidInput("budgetMinor", "must be an integer"))
			return
		}

		status, err := acct.CheckBudget(r.Context(), organizationID, budgetMinor)
		if err != nil {
			writeError(w, r, apierr.Internal("budget lookup failed", err))
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

type enqueueWebhookRequest struct {
	URL            string            `json:"url"`
	EventType      string            `json:"eventType"`
	Body           string            `json:"body"`
	OrganizationID string            `json:"organizationId"`
	Secret         string            `json:"secret,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

func enqueueWebhookHandler(pipeline *webhook.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueWebhookRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.URL == "" || req.EventType == "" || req.OrganizationID == "" {
			writeError(w, r, apierr.InvalidInput("url/eventType/organizationId", "all three fields are required"))
			return
		}

		id, err := pipeline.EnqueueWebhook(r.Context(), req.URL, req.EventType, req.Body, req.OrganizationID, req.Secret, req.Headers)
		if err != nil {
			writeError(w, r, apierr.Internal("enqueue webhook failed", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

type getOrSetRequest struct {
	Value json.RawMessage `json:"value"`
}

// getOrSetHandler serves the cache's GetOrSet operation over HTTP: a hit
// returns the stored value untouched, a miss stores and returns the
// caller-supplied value. Concurrent misses for the same key collapse into
// a single write via the cache's stampede lock.
func getOrSetHandler(c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		var req getOrSetRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		raw, err := c.Get(r.Context(), key, func(ctx context.Context) (interface{}, error) {
			return req.Value, nil
		})
		if err != nil {
			writeError(w, r, apierr.Internal("cache get-or-set failed", err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
	}
}

// alertBody serializes a budget alert as the JSON payload carried by the
// webhook the budget accountant fires when a threshold is crossed.
func alertBody(organizationID string, status budget.BudgetStatus, threshold int) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"organizationId": organizationID,
		"threshold":      threshold,
		"status":         status,
	})
	return string(raw)
}

func parseQueryInt64(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
