package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestIdempotencyRepository_UpsertClaimAcquires(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewIdempotencyRepository(db)

	now := time.Now()
	lockedUntil := now.Add(2 * time.Minute)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("DebitSender_Step_Lock_abc", "worker-1", lockedUntil, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.UpsertClaim(context.Background(), "DebitSender_Step_Lock_abc", "worker-1", now, lockedUntil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_UpsertClaimBlockedByLiveLease(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewIdempotencyRepository(db)

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpsertClaim(context.Background(), "k", "worker-2", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_GetKeyUnpacksLease(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewIdempotencyRepository(db)

	created := time.Now().Add(-time.Hour)
	until := time.Now().Add(time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, is_consumed, locked_by, locked_until, created_at")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"key", "is_consumed", "locked_by", "locked_until", "created_at"}).
			AddRow("k", false, "worker-1", until, created))

	record, err := repo.GetKey(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.False(t, record.IsConsumed)
	require.NotNil(t, record.LockedBy)
	require.Equal(t, "worker-1", *record.LockedBy)
	require.NotNil(t, record.LockedUntil)
	require.True(t, record.LockedUntil.Equal(until))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_GetKeyConsumedClearsLock(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewIdempotencyRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, is_consumed, locked_by, locked_until, created_at")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"key", "is_consumed", "locked_by", "locked_until", "created_at"}).
			AddRow("k", true, nil, nil, time.Now()))

	record, err := repo.GetKey(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.True(t, record.IsConsumed)
	require.Nil(t, record.LockedBy)
	require.Nil(t, record.LockedUntil)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_GetKeyAbsent(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewIdempotencyRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, is_consumed, locked_by, locked_until, created_at")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	record, err := repo.GetKey(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, record)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_MarkConsumedRequiresOwner(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewIdempotencyRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_keys")).
		WithArgs("k", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_keys")).
		WithArgs("k", "stale-owner").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkConsumed(context.Background(), "k", "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkConsumed(context.Background(), "k", "stale-owner")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
