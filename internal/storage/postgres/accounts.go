// Package postgres implements the relational store for organizations
// and their accounts: the data the core treats as externally owned
// (read by id, updated for counters and status) rather than managing
// itself.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fluxgate-ai/gatekeeper/internal/accountpool"
	pgstore "github.com/fluxgate-ai/gatekeeper/pkg/storage/postgres"
)

const accountColumns = `id, organization_id, provider, tier, cost_per_token, max_concurrent, weight, category`

// AccountStore is the accountpool.Repository implementation backed by
// Postgres: reads (ListByOrganization, Get) against the accounts table,
// and a single write (RecordRequest) per completed call.
type AccountStore struct {
	base *pgstore.BaseStore
}

// NewAccountStore wraps db as an AccountStore over the "accounts" table.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{base: pgstore.NewBaseStore(db, "accounts")}
}

// ListByOrganization returns every account owned by organizationID
// except those with status 'disabled' — callers (the account pool service) are
// responsible for filtering on breaker/capacity state, since that
// state lives in the keyed store, not here.
func (s *AccountStore) ListByOrganization(ctx context.Context, organizationID string) ([]accountpool.AccountRecord, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE organization_id = $1 AND status != 'disabled'
		ORDER BY tier DESC, cost_per_token ASC, id ASC
	`
	rows, err := s.base.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts for organization %s: %w", organizationID, err)
	}
	defer rows.Close()

	var out []accountpool.AccountRecord
	for rows.Next() {
		var rec accountpool.AccountRecord
		var category sql.NullString
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.Provider, &rec.Tier, &rec.CostPerToken, &rec.MaxConcurrent, &rec.Weight, &category); err != nil {
			return nil, fmt.Errorf("postgres: scan account row: %w", err)
		}
		rec.Category = category.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate account rows: %w", err)
	}
	return out, nil
}

// Get returns a single account by id, used to resolve an account's
// organization and provider when a request outcome needs to be relayed
// to the provider-side rate limiter.
func (s *AccountStore) Get(ctx context.Context, accountID string) (accountpool.AccountRecord, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	row := s.base.QueryRowContext(ctx, query, accountID)

	var rec accountpool.AccountRecord
	var category sql.NullString
	if err := row.Scan(&rec.ID, &rec.OrganizationID, &rec.Provider, &rec.Tier, &rec.CostPerToken, &rec.MaxConcurrent, &rec.Weight, &category); err != nil {
		return accountpool.AccountRecord{}, fmt.Errorf("postgres: get account %s: %w", accountID, err)
	}
	rec.Category = category.String
	return rec, nil
}

// RecordRequest updates an account's consecutive-failure counter and
// last success/failure timestamp following a provider call. A success
// resets consecutiveFailures to 0, matching the Account invariant that
// any success clears the streak regardless of its prior length.
func (s *AccountStore) RecordRequest(ctx context.Context, accountID string, outcome accountpool.RequestOutcome) error {
	var query string
	var args []interface{}
	if outcome.Success {
		query = `
			UPDATE accounts
			SET consecutive_failures = 0, last_success_at = now()
			WHERE id = $1
		`
		args = []interface{}{accountID}
	} else {
		query = `
			UPDATE accounts
			SET consecutive_failures = consecutive_failures + 1, last_failure_at = now(), last_failure_reason = $2
			WHERE id = $1
		`
		args = []interface{}{accountID, outcome.Error}
	}

	result, err := s.base.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: record request for account %s: %w", accountID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected for account %s: %w", accountID, err)
	}
	if rows == 0 {
		return fmt.Errorf("postgres: account %s not found", accountID)
	}
	return nil
}

var _ accountpool.Repository = (*AccountStore)(nil)
