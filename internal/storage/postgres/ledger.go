package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	amounts "github.com/terminal-bench/civicledger/pkg/decimal"
	"github.com/terminal-bench/civicledger/pkg/models"
)

const transactionColumns = `id, account_id, kind, currency, amount, balance_after,
	related_type, related_id, description, COALESCE(idempotency_key, ''), created_at`

// Apply records tx and moves the account balance in one database
// transaction, holding the account row lock throughout
func (s *Store) Apply(ctx context.Context, tx *models.Transaction) (models.Balance, error) {
	var out models.Balance
	err := s.withTx(ctx, func(dbtx *sql.Tx) error {
		var acent, dcent decimal.Decimal
		err := dbtx.QueryRowContext(ctx,
			`SELECT acent_balance, dcent_balance FROM accounts WHERE id = $1 FOR UPDATE`,
			tx.AccountID,
		).Scan(&acent, &dcent)
		if err != nil {
			return notFound(err)
		}

		if tx.IdempotencyKey != "" {
			var used bool
			err := dbtx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM transactions WHERE idempotency_key = $1)`,
				tx.IdempotencyKey,
			).Scan(&used)
			if err != nil {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
			if used {
				return models.ErrDuplicateTransaction
			}
		}

		current := dcent
		if tx.Currency == models.Acent {
			current = acent
		}
		if tx.Amount.IsNegative() && !amounts.Covers(current, tx.Amount) {
			return models.ErrInsufficientBalance
		}
		next := current.Add(tx.Amount)
		tx.BalanceAfter = next

		_, err = dbtx.ExecContext(ctx,
			`INSERT INTO transactions (id, account_id, kind, currency, amount, balance_after,
				related_type, related_id, description, idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			tx.ID, tx.AccountID, tx.Kind, tx.Currency, tx.Amount, tx.BalanceAfter,
			tx.Related.Type, tx.Related.ID, tx.Description, nullString(tx.IdempotencyKey), tx.CreatedAt,
		)
		if isUniqueViolation(err) {
			return models.ErrDuplicateTransaction
		}
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}

		if tx.Currency == models.Acent {
			acent = next
		} else {
			dcent = next
		}
		_, err = dbtx.ExecContext(ctx,
			`UPDATE accounts SET acent_balance = $1, dcent_balance = $2, updated_at = $3, version = version + 1
			 WHERE id = $4`,
			acent, dcent, tx.CreatedAt, tx.AccountID,
		)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		out = models.Balance{AccountID: tx.AccountID, Acent: acent, Dcent: dcent}
		return nil
	})
	return out, err
}

// TransactionByKey finds a transaction by idempotency key
func (s *Store) TransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	tx, err := scanTransaction(row)
	if err != nil {
		return nil, notFound(err)
	}
	return tx, nil
}

// Balance reads both balances
func (s *Store) Balance(ctx context.Context, accountID string) (models.Balance, error) {
	b := models.Balance{AccountID: accountID}
	err := s.db.QueryRowContext(ctx,
		`SELECT acent_balance, dcent_balance FROM accounts WHERE id = $1`, accountID,
	).Scan(&b.Acent, &b.Dcent)
	if err != nil {
		return models.Balance{}, notFound(err)
	}
	return b, nil
}

// Transactions returns matching transactions newest first
func (s *Store) Transactions(ctx context.Context, f models.TransactionFilter) ([]models.Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.Currency != "" {
		add("currency = $%d", f.Currency)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// EnqueuePending adds a failed reward to the outbox
func (s *Store) EnqueuePending(ctx context.Context, p *models.PendingReward) error {
	body, err := json.Marshal(p.Transaction)
	if err != nil {
		return fmt.Errorf("failed to encode pending reward: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_rewards (id, transaction, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, body, p.Attempts, p.LastError, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue pending reward: %w", err)
	}
	return nil
}

// PendingRewards returns the oldest outbox rows first
func (s *Store) PendingRewards(ctx context.Context, limit int) ([]models.PendingReward, error) {
	query := `SELECT id, transaction, attempts, last_error, created_at, updated_at
		FROM pending_rewards ORDER BY created_at`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending rewards: %w", err)
	}
	defer rows.Close()

	var out []models.PendingReward
	for rows.Next() {
		var (
			p    models.PendingReward
			body []byte
		)
		if err := rows.Scan(&p.ID, &body, &p.Attempts, &p.LastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending reward: %w", err)
		}
		if err := json.Unmarshal(body, &p.Transaction); err != nil {
			return nil, fmt.Errorf("failed to decode pending reward %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResolvePending removes a replayed reward
func (s *Store) ResolvePending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_rewards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve pending reward: %w", err)
	}
	return expectOne(res)
}

// RecordPendingAttempt notes another failed replay
func (s *Store) RecordPendingAttempt(ctx context.Context, id, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_rewards SET attempts = attempts + 1, last_error = $1, updated_at = now() WHERE id = $2`,
		lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return expectOne(res)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.Kind, &tx.Currency, &tx.Amount, &tx.BalanceAfter,
		&tx.Related.Type, &tx.Related.ID, &tx.Description, &tx.IdempotencyKey, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
