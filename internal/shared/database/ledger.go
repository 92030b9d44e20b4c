package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
	"github.com/shopspring/decimal"
)

const accountColumns = `caller_id, balance, lifetime_allocated, tier, last_reset_at, created_at, updated_at`

func scanAccount(row rowScanner) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := row.Scan(&a.CallerID, &a.Balance, &a.LifetimeAllocated, &a.Tier, &a.LastResetAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAccountIfAbsent creates the caller's account with the starter allocation.
// The insert is conflict-safe; created is false when another writer got there first.
func (db *DB) InsertAccountIfAbsent(ctx context.Context, callerID string, tier models.Tier, starter decimal.Decimal) (bool, error) {
	created := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var inserted string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO credit_accounts (caller_id, balance, lifetime_allocated, tier)
			VALUES ($1, $2, $2, $3)
			ON CONFLICT (caller_id) DO NOTHING
			RETURNING caller_id`,
			callerID, starter, string(tier),
		).Scan(&inserted)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		created = true

		if starter.IsZero() {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, caller_id, type, amount, balance_after, reason)
			VALUES ($1, $2, $3, $4, $4, 'starter allocation')`,
			uuid.NewString(), callerID, string(models.TxStarter), starter,
		)
		if err != nil {
			return fmt.Errorf("insert starter transaction: %w", err)
		}
		return nil
	})
	return created, err
}

// GetAccount retrieves a caller's account
func (db *DB) GetAccount(ctx context.Context, callerID string) (*models.CreditAccount, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE caller_id = $1`, callerID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", callerID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// Debit verifies and reduces a balance under a row lock, writing the usage
// attribution transaction in the same transaction.
func (db *DB) Debit(ctx context.Context, callerID string, amount decimal.Decimal, meta models.ServiceMetadata) (*models.Receipt, error) {
	var receipt *models.Receipt
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var balance decimal.Decimal
		err := tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE caller_id = $1 FOR UPDATE`, callerID).Scan(&balance)
		if err == sql.ErrNoRows {
			return fmt.Errorf("account %s: %w", callerID, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if balance.LessThan(amount) {
			return models.ErrInsufficientBalance
		}

		after := balance.Sub(amount)
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts SET balance = $1, updated_at = NOW() WHERE caller_id = $2`,
			after, callerID,
		); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		r := &models.Receipt{
			TransactionID: uuid.NewString(),
			CallerID:      callerID,
			Amount:        amount,
			BalanceAfter:  after,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO credit_transactions (
				id, caller_id, type, amount, balance_after, reason,
				service_type, request_id, provider_id, model_id, total_tokens
			) VALUES ($1, $2, $3, $4, $5, 'usage', $6, $7, $8, $9, $10)
			RETURNING created_at`,
			r.TransactionID, callerID, string(models.TxUsage), amount.Neg(), after,
			meta.ServiceType, meta.RequestID, meta.ProviderID, meta.ModelID, meta.TotalTokens,
		).Scan(&r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert usage transaction: %w", err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// CreditBalance adds to a balance and records the movement
func (db *DB) CreditBalance(ctx context.Context, callerID string, amount decimal.Decimal, txType models.TransactionType, reason string) (*models.CreditAccount, error) {
	var account *models.CreditAccount
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE credit_accounts
			SET balance = balance + $1,
			    lifetime_allocated = lifetime_allocated + $1,
			    updated_at = NOW()
			WHERE caller_id = $2
			RETURNING `+accountColumns,
			amount, callerID,
		)
		a, err := scanAccount(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("account %s: %w", callerID, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, caller_id, type, amount, balance_after, reason)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), callerID, string(txType), amount, a.Balance, reason,
		); err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		account = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}
