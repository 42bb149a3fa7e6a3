package proposals

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
	"github.com/terminal-bench/civicledger/pkg/messaging"
	"github.com/terminal-bench/civicledger/pkg/models"
)

const (
	minTitleLength   = 5
	maxTitleLength   = 200
	minContentLength = 50

	// saveAttempts bounds optimistic retries on a version conflict
	saveAttempts = 3
)

// Store persists proposals and votes
type Store interface {
	CreateProposal(ctx context.Context, p *models.Proposal) error
	Proposal(ctx context.Context, id string) (*models.Proposal, error)
	// SaveProposal fails with ErrConcurrentModification on a version mismatch
	SaveProposal(ctx context.Context, p *models.Proposal, expectedVersion int) error
	ExpiredProposals(ctx context.Context, now time.Time) ([]models.Proposal, error)
	// CreateVote inserts the ballot and applies it to the tally atomically
	CreateVote(ctx context.Context, v *models.Vote) (*models.Proposal, error)
	SetVoteDelegators(ctx context.Context, voteID string, delegators []string) error
	Vote(ctx context.Context, proposalID, voterID string) (*models.Vote, error)
}

// AccountReader confirms accounts exist
type AccountReader interface {
	Get(ctx context.Context, id string) (*models.Account, error)
}

// CompetenceChecker answers the quiz gate
type CompetenceChecker interface {
	Gate(ctx context.Context, proposalID, accountID string) (exists, passed bool, err error)
}

// DelegationConsumer uses up the delegations held by a voter
type DelegationConsumer interface {
	ConsumeForVote(ctx context.Context, proposalID, delegateeID, voteID string) ([]string, error)
}

// Draft is the input to Create
type Draft struct {
	Title          string          `json:"title"`
	Content        string          `json:"content"`
	Location       models.Location `json:"location"`
	Scope          models.Scope    `json:"scope"`
	VotingDeadline *time.Time      `json:"voting_deadline,omitempty"`
}

// Service runs the proposal lifecycle and vote casting
type Service struct {
	store       Store
	accounts    AccountReader
	competence  CompetenceChecker
	delegations DelegationConsumer
	ledger      *ledger.Ledger
	events      ledger.Publisher
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewService creates a new proposal service. events and delegations may be nil.
func NewService(store Store, accounts AccountReader, competence CompetenceChecker, delegations DelegationConsumer, l *ledger.Ledger, events ledger.Publisher, log logrus.FieldLogger) *Service {
	return &Service{
		store:       store,
		accounts:    accounts,
		competence:  competence,
		delegations: delegations,
		ledger:      l,
		events:      events,
		log:         log.WithField("component", "proposals"),
		now:         time.Now,
	}
}

// SetClock overrides time.Now
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create charges the author and stores a new proposal. Nothing is stored
// when the charge fails.
func (s *Service) Create(ctx context.Context, authorID string, d Draft) (*models.Proposal, error) {
	now := s.now().UTC()
	if err := validate(&d, now); err != nil {
		return nil, err
	}
	if _, err := s.accounts.Get(ctx, authorID); err != nil {
		return nil, err
	}

	deadline := now.Add(models.DefaultVotingPeriod)
	if d.VotingDeadline != nil {
		deadline = d.VotingDeadline.UTC()
	}

	p := &models.Proposal{
		ID:                  uuid.New().String(),
		AuthorID:            authorID,
		Title:               d.Title,
		Content:             d.Content,
		Location:            d.Location,
		Scope:               d.Scope,
		Status:              models.ProposalActive,
		EscalationThreshold: models.EscalationThreshold(d.Scope),
		VotingDeadline:      deadline,
		Revenue:             decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	ref := models.EntityRef{Type: models.EntityProposal, ID: p.ID}

	_, err := s.ledger.Record(ctx, ledger.Entry{
		AccountID:      authorID,
		Kind:           models.KindProposalCreation,
		Currency:       models.Acent,
		Amount:         models.ProposalCreationCost.Neg(),
		Related:        ref,
		Description:    "Created proposal: " + p.Title,
		IdempotencyKey: ledger.Key(models.KindProposalCreation, p.ID),
	})
	if err != nil {
		metrics.ObserveFailure("create_proposal", err)
		return nil, fmt.Errorf("charge proposal creation: %w", err)
	}

	if err := s.store.CreateProposal(ctx, p); err != nil {
		s.ledger.Reward(ctx, ledger.Entry{
			AccountID:      authorID,
			Kind:           models.KindProposalCreation,
			Currency:       models.Acent,
			Amount:         models.ProposalCreationCost,
			Related:        ref,
			Description:    "Refund: proposal was not stored",
			IdempotencyKey: ledger.Key(models.KindProposalCreation, p.ID, "refund"),
		})
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	s.log.WithFields(logrus.Fields{"proposal_id": p.ID, "author_id": authorID}).Info("proposal created")
	return p, nil
}

// Get returns a proposal by id
func (s *Service) Get(ctx context.Context, id string) (*models.Proposal, error) {
	p, err := s.store.Proposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

// VoteOf returns the ballot voterID cast on proposalID
func (s *Service) VoteOf(ctx context.Context, proposalID, voterID string) (*models.Vote, error) {
	v, err := s.store.Vote(ctx, proposalID, voterID)
	if err != nil {
		return nil, fmt.Errorf("get vote: %w", err)
	}
	return v, nil
}

// CastVote records a direct ballot. The ballot and tally commit together;
// the rewards and delegation consumption that follow are best effort.
func (s *Service) CastVote(ctx context.Context, proposalID, voterID string, voteType models.VoteType) (*models.Vote, error) {
	if !voteType.Valid() {
		return nil, fmt.Errorf("vote type must be yes or no: %w", models.ErrInvalidInput)
	}

	now := s.now().UTC()
	p, err := s.store.Proposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if !p.VotingOpen(now) {
		return nil, models.ErrVotingClosed
	}
	if _, err := s.accounts.Get(ctx, voterID); err != nil {
		return nil, err
	}

	exists, passed, err := s.competence.Gate(ctx, proposalID, voterID)
	if err != nil {
		return nil, fmt.Errorf("check quiz gate: %w", err)
	}
	if exists && !passed {
		return nil, models.ErrQuizNotPassed
	}

	vote := &models.Vote{
		ID:         uuid.New().String(),
		ProposalID: proposalID,
		VoterID:    voterID,
		Type:       voteType,
		CreatedAt:  now,
	}
	tally, err := s.store.CreateVote(ctx, vote)
	if err != nil {
		metrics.ObserveFailure("cast_vote", err)
		return nil, fmt.Errorf("cast vote: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{"proposal_id": proposalID, "vote_id": vote.ID, "voter_id": voterID})
	voteRef := models.EntityRef{Type: models.EntityVote, ID: vote.ID}

	s.ledger.Reward(ctx, ledger.Entry{
		AccountID:      voterID,
		Kind:           models.KindVoteCast,
		Currency:       models.Acent,
		Amount:         models.VoteCastReward,
		Related:        voteRef,
		Description:    fmt.Sprintf("Cast %s vote on proposal: %s", voteType, p.Title),
		IdempotencyKey: ledger.Key(models.KindVoteCast, vote.ID),
	})
	if voteType == models.VoteYes {
		s.ledger.Reward(ctx, ledger.Entry{
			AccountID:      p.AuthorID,
			Kind:           models.KindProposalRevenue,
			Currency:       models.Acent,
			Amount:         models.YesVoteAuthorReward,
			Related:        voteRef,
			Description:    "Received yes vote on proposal: " + p.Title,
			IdempotencyKey: ledger.Key(models.KindProposalRevenue, vote.ID),
		})
	}

	if s.delegations != nil {
		delegators, err := s.delegations.ConsumeForVote(ctx, proposalID, voterID, vote.ID)
		switch {
		case err != nil:
			log.WithError(err).Error("vote recorded but delegations were not consumed")
		case len(delegators) > 0:
			vote.DelegatedBy = delegators
			if err := s.store.SetVoteDelegators(ctx, vote.ID, delegators); err != nil {
				log.WithError(err).Error("failed to record delegators on vote")
			}
		}
	}

	s.publishVote(ctx, vote, tally)
	log.WithField("type", voteType).Info("vote cast")

	return vote, nil
}

// Escalate advances an eligible proposal one scope. At the widest scope
// it returns the proposal unchanged.
func (s *Service) Escalate(ctx context.Context, proposalID string) (*models.Proposal, error) {
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		p, err := s.store.Proposal(ctx, proposalID)
		if err != nil {
			return nil, fmt.Errorf("get proposal: %w", err)
		}

		version := p.Version
		changed, err := Escalate(p, s.now().UTC())
		if err != nil {
			return nil, err
		}
		if !changed {
			return p, nil
		}

		err = s.store.SaveProposal(ctx, p, version)
		if errors.Is(err, models.ErrConcurrentModification) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save proposal: %w", err)
		}

		s.publishLifecycle(ctx, messaging.SubjectProposalEscalated, p)
		s.log.WithFields(logrus.Fields{"proposal_id": p.ID, "scope": p.Scope}).Info("proposal escalated")
		return p, nil
	}
	return nil, fmt.Errorf("escalate proposal: %w", lastErr)
}

// Close ends voting on a proposal whose deadline has passed
func (s *Service) Close(ctx context.Context, proposalID string) (*models.Proposal, error) {
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		p, err := s.store.Proposal(ctx, proposalID)
		if err != nil {
			return nil, fmt.Errorf("get proposal: %w", err)
		}

		version := p.Version
		if err := Close(p, s.now().UTC()); err != nil {
			return nil, err
		}

		err = s.store.SaveProposal(ctx, p, version)
		if errors.Is(err, models.ErrConcurrentModification) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save proposal: %w", err)
		}

		s.publishLifecycle(ctx, messaging.SubjectProposalClosed, p)
		s.log.WithField("proposal_id", p.ID).Info("proposal closed")
		return p, nil
	}
	return nil, fmt.Errorf("close proposal: %w", lastErr)
}

// SweepExpired settles every active proposal past its deadline: eligible
// ones escalate, the rest close.
func (s *Service) SweepExpired(ctx context.Context) (escalated, closed int, err error) {
	expired, err := s.store.ExpiredProposals(ctx, s.now().UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("list expired proposals: %w", err)
	}

	var errs []error
	for i := range expired {
		p := &expired[i]
		if Eligible(p, s.now().UTC()) && !AtMaxScope(p) {
			if _, err := s.Escalate(ctx, p.ID); err != nil {
				errs = append(errs, fmt.Errorf("proposal %s: %w", p.ID, err))
				continue
			}
			escalated++
			continue
		}
		if _, err := s.Close(ctx, p.ID); err != nil {
			errs = append(errs, fmt.Errorf("proposal %s: %w", p.ID, err))
			continue
		}
		closed++
	}
	return escalated, closed, errors.Join(errs...)
}

func (s *Service) publishVote(ctx context.Context, v *models.Vote, tally *models.Proposal) {
	if s.events == nil {
		return
	}
	event := messaging.VoteCastEvent{
		VoteID:      v.ID,
		ProposalID:  v.ProposalID,
		VoterID:     v.VoterID,
		Type:        string(v.Type),
		DelegatedBy: v.DelegatedBy,
		YesVotes:    tally.YesVotes,
		NoVotes:     tally.NoVotes,
	}
	if err := s.events.Publish(ctx, messaging.SubjectVoteCast, event); err != nil {
		s.log.WithError(err).Warn("failed to publish vote event")
	}
}

func (s *Service) publishLifecycle(ctx context.Context, subject string, p *models.Proposal) {
	if s.events == nil {
		return
	}
	event := messaging.ProposalEvent{
		ProposalID:          p.ID,
		Scope:               string(p.Scope),
		Status:              string(p.Status),
		EscalationThreshold: p.EscalationThreshold,
		VotingDeadline:      p.VotingDeadline,
	}
	if err := s.events.Publish(ctx, subject, event); err != nil {
		s.log.WithError(err).Warn("failed to publish proposal event")
	}
}

func validate(d *Draft, now time.Time) error {
	d.Title = strings.TrimSpace(d.Title)
	d.Content = strings.TrimSpace(d.Content)

	if n := len([]rune(d.Title)); n < minTitleLength || n > maxTitleLength {
		return fmt.Errorf("title must be %d-%d characters: %w", minTitleLength, maxTitleLength, models.ErrInvalidInput)
	}
	if len([]rune(d.Content)) < minContentLength {
		return fmt.Errorf("content must be at least %d characters: %w", minContentLength, models.ErrInvalidInput)
	}
	if d.Scope == "" {
		d.Scope = models.ScopeNeighborhood
	}
	if d.Scope.Level() < 0 {
		return fmt.Errorf("unknown scope %q: %w", d.Scope, models.ErrInvalidInput)
	}
	if d.VotingDeadline != nil && !d.VotingDeadline.After(now) {
		return fmt.Errorf("voting deadline must be in the future: %w", models.ErrInvalidInput)
	}
	return nil
}
