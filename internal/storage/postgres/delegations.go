package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/terminal-bench/civicledger/pkg/models"
)

const delegationColumns = `id, proposal_id, delegator_id, delegatee_id, status, revocation_date,
	last_redelegation_date, created_at, updated_at`

// CreateDelegation inserts d unless the delegator already delegated or
// voted on the proposal
func (s *Store) CreateDelegation(ctx context.Context, d *models.Delegation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockPair(ctx, tx, d.ProposalID, d.DelegatorID); err != nil {
			return err
		}

		var voted bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM votes WHERE proposal_id = $1 AND voter_id = $2)`,
			d.ProposalID, d.DelegatorID,
		).Scan(&voted)
		if err != nil {
			return fmt.Errorf("failed to check vote: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO delegations (`+delegationColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			d.ID, d.ProposalID, d.DelegatorID, d.DelegateeID, d.Status,
			nullTime(d.RevocationDate), nullTime(d.LastRedelegationDate), d.CreatedAt, d.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return models.ErrDuplicateDelegation
		}
		if err != nil {
			return fmt.Errorf("failed to insert delegation: %w", err)
		}
		if voted {
			return models.ErrAlreadyVoted
		}
		return nil
	})
}

// Delegation loads a delegation
func (s *Store) Delegation(ctx context.Context, id string) (*models.Delegation, error) {
	d, err := scanDelegation(s.db.QueryRowContext(ctx,
		`SELECT `+delegationColumns+` FROM delegations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// TransitionDelegation moves a delegation from one status to another. It
// fails with ErrDelegationInactive if the current status is not from.
func (s *Store) TransitionDelegation(ctx context.Context, id string, from, to models.DelegationStatus, at time.Time) (*models.Delegation, error) {
	var revocation sql.NullTime
	if to == models.DelegationRevoked {
		revocation = sql.NullTime{Time: at, Valid: true}
	}

	d, err := scanDelegation(s.db.QueryRowContext(ctx,
		`UPDATE delegations SET status = $1, revocation_date = $2, updated_at = $3
		 WHERE id = $4 AND status = $5
		 RETURNING `+delegationColumns,
		to, revocation, at, id, from,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.Delegation(ctx, id); err != nil {
			return nil, err
		}
		return nil, models.ErrDelegationInactive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition delegation: %w", err)
	}
	return d, nil
}

// ConsumeDelegations marks every active delegation to delegateeID on the
// proposal as used and returns them
func (s *Store) ConsumeDelegations(ctx context.Context, proposalID, delegateeID string, at time.Time) ([]models.Delegation, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE delegations SET status = $1, updated_at = $2
		 WHERE proposal_id = $3 AND delegatee_id = $4 AND status = $5
		 RETURNING `+delegationColumns,
		models.DelegationUsed, at, proposalID, delegateeID, models.DelegationActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume delegations: %w", err)
	}
	return collectDelegations(rows)
}

// DelegationsForProposal lists every delegation on a proposal, oldest first
func (s *Store) DelegationsForProposal(ctx context.Context, proposalID string) ([]models.Delegation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+delegationColumns+` FROM delegations WHERE proposal_id = $1 ORDER BY created_at`,
		proposalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query delegations: %w", err)
	}
	return collectDelegations(rows)
}

func collectDelegations(rows *sql.Rows) ([]models.Delegation, error) {
	defer rows.Close()

	var out []models.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDelegation(row scanner) (*models.Delegation, error) {
	var (
		d                    models.Delegation
		revoked, redelegated sql.NullTime
	)
	err := row.Scan(&d.ID, &d.ProposalID, &d.DelegatorID, &d.DelegateeID, &d.Status,
		&revoked, &redelegated, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.RevocationDate = timePtr(revoked)
	d.LastRedelegationDate = timePtr(redelegated)
	return &d, nil
}
