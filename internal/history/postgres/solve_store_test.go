package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

func TestStoreSolveInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSolveStoreWithPool(mock, "solves")
	require.NoError(t, err)

	finished := time.Unix(1700000000, 0).UTC()
	rec := captcha.SolveRecord{
		JobID:      "1700000000000000042",
		Kind:       captcha.KindRecaptchaV2,
		Status:     captcha.StatusSolved,
		Proxy:      "http://10.0.0.1:8080",
		Attempts:   1,
		DurationMs: 18250,
		FinishedAt: finished,
	}

	mock.ExpectExec("INSERT INTO solves").
		WithArgs(
			rec.JobID,
			string(rec.Kind),
			string(rec.Status),
			string(rec.FailKind),
			rec.Proxy,
			rec.Attempts,
			rec.DurationMs,
			rec.FinishedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StoreSolve(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSolveRequiresJobID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSolveStoreWithPool(mock, "solves")
	require.NoError(t, err)

	err = store.StoreSolve(context.Background(), captcha.SolveRecord{})
	require.ErrorContains(t, err, "job id is required")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSolveStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewSolveStoreWithPool(mock, "solves; drop table users")
	require.ErrorContains(t, err, "invalid table name")

	store, err := NewSolveStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "solves", store.table)
}
