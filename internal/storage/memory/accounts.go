package memory

import (
	"context"
	"sort"

	"github.com/terminal-bench/civicledger/pkg/models"
)

// CreateAccount stores a new account, rejecting taken usernames and emails
func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return models.ErrDuplicateAccount
	}
	if _, ok := s.usernames[fold(a.Username)]; ok {
		return models.ErrDuplicateAccount
	}
	if a.Email != "" {
		if _, ok := s.emails[fold(a.Email)]; ok {
			return models.ErrDuplicateAccount
		}
	}

	stored := *a
	stored.PassedQuizzes = copyStrings(a.PassedQuizzes)
	s.accounts[a.ID] = &stored
	s.usernames[fold(a.Username)] = a.ID
	if a.Email != "" {
		s.emails[fold(a.Email)] = a.ID
	}
	return nil
}

// Account returns a copy of the account
func (s *Store) Account(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *a
	out.PassedQuizzes = copyStrings(a.PassedQuizzes)
	return &out, nil
}

// AddPassedQuiz inserts quizID into the passed set. It reports whether
// this call was the one that added it.
func (s *Store) AddPassedQuiz(ctx context.Context, accountID, quizID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false, models.ErrNotFound
	}
	if a.HasPassed(quizID) {
		return false, nil
	}
	a.PassedQuizzes = append(a.PassedQuizzes, quizID)
	a.Version++
	return true, nil
}

// ListAccountIDs returns every account id in a stable order
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
