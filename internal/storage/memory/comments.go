package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// CreateComment stores a new comment
func (s *Store) CreateComment(ctx context.Context, c *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.comments[c.ID]; ok {
		return models.ErrInvalidInput
	}
	stored := *c
	s.comments[c.ID] = &stored
	return nil
}

// Comment returns a copy of the comment
func (s *Store) Comment(ctx context.Context, id string) (*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *c
	return &out, nil
}

// CommentsForProposal lists a proposal's comments, oldest first
func (s *Store) CommentsForProposal(ctx context.Context, proposalID string) ([]models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Comment
	for _, c := range s.comments {
		if c.ProposalID == proposalID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ApplyCommentVote bumps a counter. An upvote on a comment that is not
// integrated also accrues revenue in the currency its competence selects.
func (s *Store) ApplyCommentVote(ctx context.Context, commentID string, vote models.CommentVoteType, accrual decimal.Decimal, at time.Time) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[commentID]
	if !ok {
		return nil, models.ErrNotFound
	}

	if vote == models.CommentUp {
		c.Upvotes++
		if !c.IsIntegrated {
			if c.IsCompetent {
				c.AcentRevenueEarned = c.AcentRevenueEarned.Add(accrual)
			} else {
				c.DcentRevenueEarned = c.DcentRevenueEarned.Add(accrual)
			}
		}
	} else {
		c.Downvotes++
	}
	c.UpdatedAt = at

	out := *c
	return &out, nil
}

// MarkIntegrated flips a comment to integrated exactly once
func (s *Store) MarkIntegrated(ctx context.Context, commentID string, auto bool, at time.Time) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[commentID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if c.IsIntegrated {
		return nil, models.ErrAlreadyIntegrated
	}

	integratedAt := at
	c.IsIntegrated = true
	c.AutoIntegrated = auto
	c.IntegrationDate = &integratedAt
	c.UpdatedAt = at

	out := *c
	return &out, nil
}
