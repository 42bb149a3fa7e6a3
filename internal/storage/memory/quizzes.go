package memory

import (
	"context"

	"github.com/terminal-bench/civicledger/pkg/models"
)

// CreateQuiz stores q as the only quiz of its proposal
func (s *Store) CreateQuiz(ctx context.Context, q *models.Quiz) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quizByProposal[q.ProposalID]; ok {
		return models.ErrQuizExists
	}
	stored := copyQuiz(q)
	s.quizzes[q.ID] = stored
	s.quizByProposal[q.ProposalID] = q.ID
	return nil
}

// Quiz returns a copy of the quiz
func (s *Store) Quiz(ctx context.Context, id string) (*models.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quizzes[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyQuiz(q), nil
}

// QuizForProposal returns the proposal's quiz or ErrNotFound
func (s *Store) QuizForProposal(ctx context.Context, proposalID string) (*models.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.quizByProposal[proposalID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyQuiz(s.quizzes[id]), nil
}

func copyQuiz(q *models.Quiz) *models.Quiz {
	out := *q
	out.Questions = make([]models.QuizQuestion, len(q.Questions))
	for i, question := range q.Questions {
		question.Options = append([]models.QuizOption(nil), question.Options...)
		out.Questions[i] = question
	}
	return &out
}
