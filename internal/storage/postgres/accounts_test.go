package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/gatekeeper/internal/accountpool"
)

func TestListByOrganizationScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "organization_id", "provider", "tier", "cost_per_token", "max_concurrent", "weight", "category"}).
		AddRow("acct-1", "org-1", "openai", 2, 0.01, 5, 1.0, nil).
		AddRow("acct-2", "org-1", "openai", 1, 0.02, 3, 2.0, "premium")

	mock.ExpectQuery("SELECT (.+) FROM accounts").WithArgs("org-1").WillReturnRows(rows)

	store := NewAccountStore(db)
	records, err := store.ListByOrganization(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "acct-1", records[0].ID)
	assert.Equal(t, 5, records[0].MaxConcurrent)
	assert.Equal(t, "premium", records[1].Category)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScansSingleRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "organization_id", "provider", "tier", "cost_per_token", "max_concurrent", "weight", "category"}).
		AddRow("acct-1", "org-1", "openai", 2, 0.01, 5, 1.0, nil)

	mock.ExpectQuery(`SELECT (.+) FROM accounts WHERE id = \$1`).WithArgs("acct-1").WillReturnRows(rows)

	store := NewAccountStore(db)
	rec, err := store.Get(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", rec.OrganizationID)
	assert.Equal(t, "openai", rec.Provider)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRequestSuccessResetsFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE accounts").WithArgs("acct-1").WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewAccountStore(db)
	err = store.RecordRequest(context.Background(), "acct-1", accountpool.RequestOutcome{Success: true})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRequestMissingAccountErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE accounts").WithArgs("ghost", "boom").WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewAccountStore(db)
	err = store.RecordRequest(context.Background(), "ghost", accountpool.RequestOutcome{Success: false, Error: "boom"})
	assert.Error(t, err)
}
