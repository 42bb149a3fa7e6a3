package delegations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/internal/metrics"
	"github.com/terminal-bench/civicledger/pkg/messaging"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Store persists delegations
type Store interface {
	// CreateDelegation fails with ErrDuplicateDelegation or ErrAlreadyVoted
	CreateDelegation(ctx context.Context, d *models.Delegation) error
	Delegation(ctx context.Context, id string) (*models.Delegation, error)
	// TransitionDelegation fails with ErrDelegationInactive unless the
	// current status is from
	TransitionDelegation(ctx context.Context, id string, from, to models.DelegationStatus, at time.Time) (*models.Delegation, error)
	ConsumeDelegations(ctx context.Context, proposalID, delegateeID string, at time.Time) ([]models.Delegation, error)
	DelegationsForProposal(ctx context.Context, proposalID string) ([]models.Delegation, error)
}

// ProposalReader loads proposals to check that voting is open
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

// Service is the delegation engine
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

// NewService creates a new delegation service. events may be nil.
func NewService(store Store, proposals ProposalReader, accounts AccountReader, competence CompetenceChecker, l *ledger.Ledger, events ledger.Publisher, log logrus.FieldLogger) *Service {
	return &Service{
		store:      store,
		proposals:  proposals,
		accounts:   accounts,
		competence: competence,
		ledger:     l,
		events:     events,
		log:        log.WithField("component", "delegations"),
		now:        time.Now,
	}
}

// SetClock overrides time.Now
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Delegate hands delegatorID's vote on a proposal to a competent delegatee
func (s *Service) Delegate(ctx context.Context, proposalID, delegatorID, delegateeID string) (*models.Delegation, error) {
	now := s.now().UTC()

	p, err := s.proposals.Proposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if !p.VotingOpen(now) {
		return nil, models.ErrVotingClosed
	}
	if delegatorID == delegateeID {
		return nil, models.ErrSelfDelegation
	}
	if _, err := s.accounts.Get(ctx, delegatorID); err != nil {
		return nil, err
	}
	if _, err := s.accounts.Get(ctx, delegateeID); err != nil {
		return nil, fmt.Errorf("delegatee: %w", err)
	}

	exists, passed, err := s.competence.Gate(ctx, proposalID, delegateeID)
	if err != nil {
		return nil, fmt.Errorf("check quiz gate: %w", err)
	}
	if exists && !passed {
		return nil, models.ErrDelegateeNotCompetent
	}

	d := &models.Delegation{
		ID:          uuid.New().String(),
		ProposalID:  proposalID,
		DelegatorID: delegatorID,
		DelegateeID: delegateeID,
		Status:      models.DelegationActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateDelegation(ctx, d); err != nil {
		metrics.ObserveFailure("delegate", err)
		return nil, fmt.Errorf("create delegation: %w", err)
	}

	s.ledger.Reward(ctx, ledger.Entry{
		AccountID:      delegatorID,
		Kind:           models.KindDelegationGiven,
		Currency:       models.Dcent,
		Amount:         models.DelegationGivenReward,
		Related:        models.EntityRef{Type: models.EntityDelegation, ID: d.ID},
		Description:    "Delegated vote on proposal: " + p.Title,
		IdempotencyKey: ledger.Key(models.KindDelegationGiven, d.ID),
	})

	s.publish(ctx, messaging.SubjectDelegationCreated, d)
	s.log.WithFields(logrus.Fields{
		"delegation_id": d.ID,
		"proposal_id":   proposalID,
		"delegator_id":  delegatorID,
		"delegatee_id":  delegateeID,
	}).Info("delegation created")

	return d, nil
}

// Revoke cancels an active delegation and charges the revocation penalty.
// If the penalty cannot be paid the delegation stays active and
// ErrInsufficientBalance is returned.
func (s *Service) Revoke(ctx context.Context, delegationID, callerID string) (*models.Delegation, error) {
	d, err := s.store.Delegation(ctx, delegationID)
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	if d.DelegatorID != callerID {
		return nil, models.ErrUnauthorized
	}

	revoked, err := s.store.TransitionDelegation(ctx, delegationID, models.DelegationActive, models.DelegationRevoked, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("revoke delegation: %w", err)
	}

	_, err = s.ledger.Record(ctx, ledger.Entry{
		AccountID:      callerID,
		Kind:           models.KindDelegationRevocation,
		Currency:       models.Dcent,
		Amount:         models.DelegationRevokePenalty.Neg(),
		Related:        models.EntityRef{Type: models.EntityDelegation, ID: delegationID},
		Description:    "Revoked delegation on proposal",
		IdempotencyKey: ledger.Key(models.KindDelegationRevocation, delegationID),
	})
	if err != nil {
		metrics.ObserveFailure("revoke_delegation", err)
		if _, restoreErr := s.store.TransitionDelegation(ctx, delegationID, models.DelegationRevoked, models.DelegationActive, s.now().UTC()); restoreErr != nil {
			s.log.WithError(restoreErr).WithField("delegation_id", delegationID).
				Error("penalty failed and delegation could not be restored")
		}
		return nil, fmt.Errorf("charge revocation penalty: %w", err)
	}

	s.publish(ctx, messaging.SubjectDelegationRevoked, revoked)
	s.log.WithField("delegation_id", delegationID).Info("delegation revoked")
	return revoked, nil
}

// ConsumeForVote marks every active delegation to delegateeID on the
// proposal as used and pays the delegatee one dcent per delegation. It
// returns the delegators whose votes were carried.
func (s *Service) ConsumeForVote(ctx context.Context, proposalID, delegateeID, voteID string) ([]string, error) {
	used, err := s.store.ConsumeDelegations(ctx, proposalID, delegateeID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("consume delegations: %w", err)
	}
	if len(used) == 0 {
		return nil, nil
	}

	delegators := make([]string, len(used))
	for i, d := range used {
		delegators[i] = d.DelegatorID
	}

	s.ledger.Reward(ctx, ledger.Entry{
		AccountID:      delegateeID,
		Kind:           models.KindDelegationReceived,
		Currency:       models.Dcent,
		Amount:         models.DelegationReceivedEach.Mul(decimal.NewFromInt(int64(len(used)))),
		Related:        models.EntityRef{Type: models.EntityVote, ID: voteID},
		Description:    fmt.Sprintf("Received %d delegated votes", len(used)),
		IdempotencyKey: ledger.Key(models.KindDelegationReceived, voteID),
	})

	s.log.WithFields(logrus.Fields{
		"proposal_id":  proposalID,
		"delegatee_id": delegateeID,
		"count":        len(used),
	}).Info("delegations consumed")

	return delegators, nil
}

// Get returns a delegation by id
func (s *Service) Get(ctx context.Context, id string) (*models.Delegation, error) {
	d, err := s.store.Delegation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	return d, nil
}

// ForProposal lists a proposal's delegations
func (s *Service) ForProposal(ctx context.Context, proposalID string) ([]models.Delegation, error) {
	if _, err := s.proposals.Proposal(ctx, proposalID); err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return s.store.DelegationsForProposal(ctx, proposalID)
}

// CanRedelegate reports whether the redelegation cooldown has elapsed
func CanRedelegate(d *models.Delegation, now time.Time) bool {
	if d.LastRedelegationDate == nil {
		return true
	}
	return d.LastRedelegationDate.Before(now.Add(-models.RedelegationCooldown))
}

func (s *Service) publish(ctx context.Context, subject string, d *models.Delegation) {
	if s.events == nil {
		return
	}
	event := messaging.DelegationEvent{
		DelegationID: d.ID,
		ProposalID:   d.ProposalID,
		DelegatorID:  d.DelegatorID,
		DelegateeID:  d.DelegateeID,
		Status:       string(d.Status),
	}
	if err := s.events.Publish(ctx, subject, event); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Warn("failed to publish delegation event")
	}
}
