// Package storage defines the small interfaces pkg/storage/postgres's
// BaseStore builds on, so a service-specific store can run the same
// query either against *sql.DB directly or against an in-flight
// transaction without branching on which one it has.
package storage

import (
	"context"
	"database/sql"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
