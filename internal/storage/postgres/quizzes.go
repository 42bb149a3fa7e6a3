package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/terminal-bench/civicledger/pkg/models"
)

const quizColumns = `id, proposal_id, title, description, created_by, questions, passing_score, created_at`

// CreateQuiz stores q as the only quiz of its proposal
func (s *Store) CreateQuiz(ctx context.Context, q *models.Quiz) error {
	questions, err := json.Marshal(q.Questions)
	if err != nil {
		return fmt.Errorf("failed to encode questions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quizzes (`+quizColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		q.ID, q.ProposalID, q.Title, q.Description, q.CreatedBy, questions, q.PassingScore, q.CreatedAt,
	)
	if isUniqueViolation(err) {
		return models.ErrQuizExists
	}
	if err != nil {
		return fmt.Errorf("failed to create quiz: %w", err)
	}
	return nil
}

// Quiz loads a quiz
func (s *Store) Quiz(ctx context.Context, id string) (*models.Quiz, error) {
	return s.queryQuiz(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE id = $1`, id)
}

// QuizForProposal returns the proposal's quiz or ErrNotFound
func (s *Store) QuizForProposal(ctx context.Context, proposalID string) (*models.Quiz, error) {
	return s.queryQuiz(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE proposal_id = $1`, proposalID)
}

func (s *Store) queryQuiz(ctx context.Context, query string, arg string) (*models.Quiz, error) {
	var (
		q         models.Quiz
		questions []byte
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&q.ID, &q.ProposalID, &q.Title, &q.Description,
		&q.CreatedBy, &questions, &q.PassingScore, &q.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(questions, &q.Questions); err != nil {
		return nil, fmt.Errorf("failed to decode questions: %w", err)
	}
	return &q, nil
}
