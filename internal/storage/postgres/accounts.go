package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// CreateAccount inserts a new account. Usernames and emails are unique
// case-insensitively.
func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	location, err := json.Marshal(a.Location)
	if err != nil {
		return fmt.Errorf("failed to encode location: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, username, email, name, location, role, acent_balance, dcent_balance,
			passed_quizzes, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Username, a.Email, a.Name, location, a.Role, a.AcentBalance, a.DcentBalance,
		pq.Array(orEmpty(a.PassedQuizzes)), a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return models.ErrDuplicateAccount
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Account loads an account
func (s *Store) Account(ctx context.Context, id string) (*models.Account, error) {
	var (
		a        models.Account
		location []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, name, location, role, acent_balance, dcent_balance,
			passed_quizzes, version, created_at, updated_at
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Username, &a.Email, &a.Name, &location, &a.Role, &a.AcentBalance, &a.DcentBalance,
		pq.Array(&a.PassedQuizzes), &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(location, &a.Location); err != nil {
		return nil, fmt.Errorf("failed to decode location: %w", err)
	}
	return &a, nil
}

// AddPassedQuiz appends quizID to the passed set unless present. It
// reports whether this call added it.
func (s *Store) AddPassedQuiz(ctx context.Context, accountID, quizID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET passed_quizzes = array_append(passed_quizzes, $1), version = version + 1
		 WHERE id = $2 AND NOT ($1 = ANY(passed_quizzes))`,
		quizID, accountID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record quiz pass: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, models.ErrNotFound
	}
	return false, nil
}

// ListAccountIDs returns every account id in a stable order
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
