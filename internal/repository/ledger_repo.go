package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/veltapay/sagaflow/internal/domain"
	"github.com/veltapay/sagaflow/internal/service"
)

type ledgerRepository struct {
	sql sqlExecutor
}

func NewLedgerRepository(sqlDB *sql.DB) service.LedgerRepository {
	return &ledgerRepository{sql: sqlDB}
}

func (r *ledgerRepository) GetByReference(ctx context.Context, referenceID string) (*service.LedgerEntryRecord, error) {
	query := `
		SELECT id, account_id, amount, entry_type, reference_id, reason, created_at
		FROM ledger_entries
		WHERE reference_id = $1
	`
	entry := &service.LedgerEntryRecord{}
	var entryType int
	var reason sql.NullString
	err := scanSingleRow(ctx, r.sql, query, []any{referenceID},
		&entry.ID,
		&entry.AccountID,
		&entry.Amount,
		&entryType,
		&entry.ReferenceID,
		&reason,
		&entry.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Type = domain.EntryType(entryType)
	if reason.Valid {
		v := reason.String
		entry.Reason = &v
	}
	return entry, nil
}

func (r *ledgerRepository) BalanceFor(ctx context.Context, accountID string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_id = $1
	`
	var balance decimal.Decimal
	if err := scanSingleRow(ctx, r.sql, query, []any{accountID}, &balance); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// Insert writes the entry and reports a unique-constraint rejection on
// reference_id as service.ErrDuplicateReference so callers can classify the
// race instead of string-matching driver errors.
func (r *ledgerRepository) Insert(ctx context.Context, entry *service.LedgerEntryRecord) error {
	query := `
		INSERT INTO ledger_entries (account_id, amount, entry_type, reference_id, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	var reason any
	if entry.Reason != nil {
		reason = *entry.Reason
	}
	err := scanSingleRow(ctx, r.sql, query, []any{
		entry.AccountID,
		entry.Amount,
		int(entry.Type),
		entry.ReferenceID,
		reason,
	}, &entry.ID, &entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return service.ErrDuplicateReference.WithCause(err)
		}
		return err
	}
	return nil
}
