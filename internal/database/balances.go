package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"relay-api/internal/shared"
)

var ErrPrincipalNotFound = errors.New("principal not found")

type Debit struct {
	Before  shared.Amount
	After   shared.Amount
	Charged shared.Amount
}

// DebitPrincipal locks the principal row and lowers its balance by cost,
// clamped at zero. The read and the write happen under the same row lock so
// concurrent debits for one principal serialize.
func DebitPrincipal(ctx context.Context, tx *sql.Tx, principalID uint64, cost shared.Amount) (*Debit, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, "SELECT balance_micros FROM principal WHERE id = ? FOR UPDATE", principalID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock principal balance: %w", err)
	}

	d := &Debit{Before: shared.Amount(balance), After: shared.Amount(balance)}
	if cost <= 0 {
		return d, nil
	}
	d.After = max(0, d.Before-cost)
	d.Charged = d.Before - d.After

	_, err = tx.ExecContext(ctx, "UPDATE principal SET balance_micros = ? WHERE id = ?", int64(d.After), principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to update principal balance: %w", err)
	}
	return d, nil
}

func GetBalance(ctx context.Context, db *sql.DB, principalID uint64) (shared.Amount, error) {
	var balance int64
	err := db.QueryRowContext(ctx, "SELECT balance_micros FROM principal WHERE id = ?", principalID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrPrincipalNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read principal balance: %w", err)
	}
	return shared.Amount(balance), nil
}
