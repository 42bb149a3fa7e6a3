package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/internal/metrics"
	amounts "github.com/terminal-bench/civicledger/pkg/decimal"
	"github.com/terminal-bench/civicledger/pkg/messaging"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Store persists comments. ApplyCommentVote and MarkIntegrated must be
// atomic per comment.
type Store interface {
	CreateComment(ctx context.Context, c *models.Comment) error
	Comment(ctx context.Context, id string) (*models.Comment, error)
	CommentsForProposal(ctx context.Context, proposalID string) ([]models.Comment, error)
	ApplyCommentVote(ctx context.Context, commentID string, vote models.CommentVoteType, accrual decimal.Decimal, at time.Time) (*models.Comment, error)
	// MarkIntegrated fails with ErrAlreadyIntegrated on the second call
	MarkIntegrated(ctx context.Context, commentID string, auto bool, at time.Time) (*models.Comment, error)
}

// ProposalReader loads the proposal a comment belongs to
type ProposalReader interface {
	Proposal(ctx context.Context, id string) (*models.Proposal, error)
}

// AccountReader confirms accounts exist
type AccountReader interface {
	Get(ctx context.Context, id string) (*models.Account, error)
}

// CompetenceChecker answers the quiz gate
type CompetenceChecker interface {
	Gate(ctx context.Context, proposalID, accountID string) (exists, passed bool, err error)
}

// Service runs the comment economy
type Service struct {
	store      Store
	proposals  ProposalReader
	accounts   AccountReader
	competence CompetenceChecker
	ledger     *ledger.Ledger
	events     ledger.Publisher
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewService creates a new comment service. events may be nil.
func NewService(store Store, proposals ProposalReader, accounts AccountReader, competence CompetenceChecker, l *ledger.Ledger, events ledger.Publisher, log logrus.FieldLogger) *Service {
	return &Service{
		store:      store,
		proposals:  proposals,
		accounts:   accounts,
		competence: competence,
		ledger:     l,
		events:     events,
		log:        log.WithField("component", "comments"),
		now:        time.Now,
	}
}

// SetClock overrides time.Now
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create posts a comment. Authors who passed the proposal's quiz post for
// free; everyone else pays CommentCreationCost in dcents first, and no
// comment is stored if that charge fails.
func (s *Service) Create(ctx context.Context, proposalID, authorID, content string) (*models.Comment, error) {
	content = strings.TrimSpace(content)
	if len([]rune(content)) < models.MinCommentLength {
		return nil, fmt.Errorf("comment must be at least %d characters: %w", models.MinCommentLength, models.ErrInvalidInput)
	}

	p, err := s.proposals.Proposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if _, err := s.accounts.Get(ctx, authorID); err != nil {
		return nil, err
	}

	exists, passed, err := s.competence.Gate(ctx, proposalID, authorID)
	if err != nil {
		return nil, fmt.Errorf("check quiz gate: %w", err)
	}

	now := s.now().UTC()
	c := &models.Comment{
		ID:                 uuid.New().String(),
		ProposalID:         proposalID,
		AuthorID:           authorID,
		Content:            content,
		IsCompetent:        exists && passed,
		AcentRevenueEarned: decimal.Zero,
		DcentRevenueEarned: decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	charge := ledger.Entry{
		AccountID:      authorID,
		Kind:           models.KindCommentCreation,
		Currency:       models.Dcent,
		Amount:         models.CommentCreationCost.Neg(),
		Related:        models.EntityRef{Type: models.EntityComment, ID: c.ID},
		Description:    "Created non-competent comment on proposal: " + p.Title,
		IdempotencyKey: ledger.Key(models.KindCommentCreation, c.ID),
	}

	if !c.IsCompetent {
		if _, err := s.ledger.Record(ctx, charge); err != nil {
			metrics.ObserveFailure("create_comment", err)
			if errors.Is(err, models.ErrInsufficientBalance) {
				return nil, models.ErrInsufficientDcents
			}
			return nil, fmt.Errorf("charge comment creation: %w", err)
		}
	}

	if err := s.store.CreateComment(ctx, c); err != nil {
		if !c.IsCompetent {
			refund := charge
			refund.Amount = models.CommentCreationCost
			refund.Description = "Refund: comment was not stored"
			refund.IdempotencyKey = ledger.Key(models.KindCommentCreation, c.ID, "refund")
			s.ledger.Reward(ctx, refund)
		}
		return nil, fmt.Errorf("create comment: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"comment_id":  c.ID,
		"proposal_id": proposalID,
		"author_id":   authorID,
		"competent":   c.IsCompetent,
	}).Info("comment created")
	return c, nil
}

// Get returns a comment by id
func (s *Service) Get(ctx context.Context, id string) (*models.Comment, error) {
	c, err := s.store.Comment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

// ForProposal lists a proposal's comments, oldest first
func (s *Service) ForProposal(ctx context.Context, proposalID string) ([]models.Comment, error) {
	if _, err := s.proposals.Proposal(ctx, proposalID); err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return s.store.CommentsForProposal(ctx, proposalID)
}

// Vote records an up or down vote. Voter and author each earn a flat
// dcent. An upvote on a comment that has not been integrated accrues
// revenue and may integrate it automatically.
func (s *Service) Vote(ctx context.Context, commentID, voterID string, voteType models.CommentVoteType) (*models.Comment, error) {
	if !voteType.Valid() {
		return nil, fmt.Errorf("vote type must be up or down: %w", models.ErrInvalidInput)
	}

	c, err := s.store.Comment(ctx, commentID)
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	if c.AuthorID == voterID {
		return nil, models.ErrSelfVote
	}
	if _, err := s.accounts.Get(ctx, voterID); err != nil {
		return nil, err
	}

	c, err = s.store.ApplyCommentVote(ctx, commentID, voteType, models.CommentUpvoteRevenue, s.now().UTC())
	if err != nil {
		metrics.ObserveFailure("vote_comment", err)
		return nil, fmt.Errorf("apply comment vote: %w", err)
	}

	voteID := uuid.New().String()
	ref := models.EntityRef{Type: models.EntityComment, ID: commentID}
	s.ledger.Reward(ctx, ledger.Entry{
		AccountID:      voterID,
		Kind:           models.KindCommentVote,
		Currency:       models.Dcent,
		Amount:         models.CommentVoteReward,
		Related:        ref,
		Description:    fmt.Sprintf("Voted %s on comment", voteType),
		IdempotencyKey: ledger.Key(models.KindCommentVote, voteID, "voter"),
	})
	s.ledger.Reward(ctx, ledger.Entry{
		AccountID:      c.AuthorID,
		Kind:           models.KindCommentVote,
		Currency:       models.Dcent,
		Amount:         models.CommentVoteReward,
		Related:        ref,
		Description:    fmt.Sprintf("Received %s vote on comment", voteType),
		IdempotencyKey: ledger.Key(models.KindCommentVote, voteID, "author"),
	})

	if voteType != models.CommentUp || c.IsIntegrated {
		return c, nil
	}

	p, err := s.proposals.Proposal(ctx, c.ProposalID)
	if err != nil {
		s.log.WithError(err).WithField("comment_id", commentID).Error("vote recorded but auto-integration was not checked")
		return c, nil
	}
	if !ReachesAutoIntegration(c, p) {
		return c, nil
	}

	integrated, err := s.integrate(ctx, commentID, true)
	if err != nil {
		if !errors.Is(err, models.ErrAlreadyIntegrated) {
			s.log.WithError(err).WithField("comment_id", commentID).Error("auto-integration failed")
		}
		return c, nil
	}
	return integrated, nil
}

// Integrate is the manual integration performed by the proposal's author
func (s *Service) Integrate(ctx context.Context, commentID, callerID string) (*models.Comment, error) {
	c, err := s.store.Comment(ctx, commentID)
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	p, err := s.proposals.Proposal(ctx, c.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if p.AuthorID != callerID {
		return nil, fmt.Errorf("only the proposal author can integrate comments: %w", models.ErrUnauthorized)
	}
	if c.IsIntegrated {
		return nil, models.ErrAlreadyIntegrated
	}
	return s.integrate(ctx, commentID, false)
}

// ReachesAutoIntegration reports whether c has enough upvotes relative to
// the proposal's current yes votes
func ReachesAutoIntegration(c *models.Comment, p *models.Proposal) bool {
	needed := amounts.Ratio(p.YesVotes, models.AutoIntegrationRatio)
	return decimal.NewFromInt(int64(c.Upvotes)).GreaterThanOrEqual(needed)
}

// Payout returns the acents owed on integration. Dcent revenue is paid in
// acents at par.
func Payout(c *models.Comment) decimal.Decimal {
	if c.IsCompetent {
		return c.AcentRevenueEarned
	}
	return c.DcentRevenueEarned
}

func (s *Service) integrate(ctx context.Context, commentID string, auto bool) (*models.Comment, error) {
	c, err := s.store.MarkIntegrated(ctx, commentID, auto, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("integrate comment: %w", err)
	}

	payout := Payout(c)
	if payout.IsPositive() {
		desc := "Integration payout for comment"
		if !c.IsCompetent {
			desc += " (dcents converted to acents)"
		}
		s.ledger.Reward(ctx, ledger.Entry{
			AccountID:      c.AuthorID,
			Kind:           models.KindCommentIntegration,
			Currency:       models.Acent,
			Amount:         payout,
			Related:        models.EntityRef{Type: models.EntityComment, ID: c.ID},
			Description:    desc,
			IdempotencyKey: ledger.Key(models.KindCommentIntegration, c.ID),
		})
	}

	if s.events != nil {
		event := messaging.CommentIntegratedEvent{
			CommentID:  c.ID,
			ProposalID: c.ProposalID,
			AuthorID:   c.AuthorID,
			Auto:       auto,
			Payout:     payout.String(),
		}
		if err := s.events.Publish(ctx, messaging.SubjectCommentIntegrated, event); err != nil {
			s.log.WithError(err).Warn("failed to publish comment event")
		}
	}
	s.log.WithFields(logrus.Fields{
		"comment_id": c.ID,
		"auto":       auto,
		"payout":     payout.String(),
	}).Info("comment integrated")

	return c, nil
}
