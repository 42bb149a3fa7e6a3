package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/civicledger/pkg/models"
)

const commentColumns = `id, proposal_id, author_id, content, is_competent, upvotes, downvotes,
	is_integrated, auto_integrated, integration_date, acent_revenue_earned, dcent_revenue_earned,
	created_at, updated_at`

// CreateComment inserts a new comment
func (s *Store) CreateComment(ctx context.Context, c *models.Comment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (`+commentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.ProposalID, c.AuthorID, c.Content, c.IsCompetent, c.Upvotes, c.Downvotes,
		c.IsIntegrated, c.AutoIntegrated, nullTime(c.IntegrationDate), c.AcentRevenueEarned, c.DcentRevenueEarned,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	return nil
}

// Comment loads a comment
func (s *Store) Comment(ctx context.Context, id string) (*models.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// CommentsForProposal lists a proposal's comments, oldest first
func (s *Store) CommentsForProposal(ctx context.Context, proposalID string) ([]models.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE proposal_id = $1 ORDER BY created_at`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	var out []models.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ApplyCommentVote bumps a counter in a single statement. An upvote on a
// comment that is not integrated also accrues revenue in the currency its
// competence selects.
func (s *Store) ApplyCommentVote(ctx context.Context, commentID string, vote models.CommentVoteType, accrual decimal.Decimal, at time.Time) (*models.Comment, error) {
	query := `UPDATE comments SET downvotes = downvotes + 1, updated_at = $1 WHERE id = $2 RETURNING ` + commentColumns
	args := []interface{}{at, commentID}
	if vote == models.CommentUp {
		query = `UPDATE comments SET upvotes = upvotes + 1,
			acent_revenue_earned = acent_revenue_earned + CASE WHEN NOT is_integrated AND is_competent THEN $1::numeric ELSE 0::numeric END,
			dcent_revenue_earned = dcent_revenue_earned + CASE WHEN NOT is_integrated AND NOT is_competent THEN $1::numeric ELSE 0::numeric END,
			updated_at = $2
		 WHERE id = $3 RETURNING ` + commentColumns
		args = []interface{}{accrual, at, commentID}
	}

	c, err := scanComment(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// MarkIntegrated flips a comment to integrated exactly once
func (s *Store) MarkIntegrated(ctx context.Context, commentID string, auto bool, at time.Time) (*models.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx,
		`UPDATE comments SET is_integrated = TRUE, auto_integrated = $1, integration_date = $2, updated_at = $2
		 WHERE id = $3 AND NOT is_integrated
		 RETURNING `+commentColumns,
		auto, at, commentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.Comment(ctx, commentID); err != nil {
			return nil, err
		}
		return nil, models.ErrAlreadyIntegrated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to integrate comment: %w", err)
	}
	return c, nil
}

func scanComment(row scanner) (*models.Comment, error) {
	var (
		c          models.Comment
		integrated sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ProposalID, &c.AuthorID, &c.Content, &c.IsCompetent, &c.Upvotes, &c.Downvotes,
		&c.IsIntegrated, &c.AutoIntegrated, &integrated, &c.AcentRevenueEarned, &c.DcentRevenueEarned,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.IntegrationDate = timePtr(integrated)
	return &c, nil
}
