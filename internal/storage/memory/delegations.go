package memory

import (
	"context"
	"sort"
	"time"

	"github.com/terminal-bench/civicledger/pkg/models"
)

// CreateDelegation inserts d unless the delegator already delegated or
// voted on the proposal
func (s *Store) CreateDelegation(ctx context.Context, d *models.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{proposalID: d.ProposalID, accountID: d.DelegatorID}
	if _, ok := s.delegationByPair[key]; ok {
		return models.ErrDuplicateDelegation
	}
	if _, ok := s.voteByVoter[key]; ok {
		return models.ErrAlreadyVoted
	}

	stored := *d
	s.delegations[d.ID] = &stored
	s.delegationByPair[key] = d.ID
	return nil
}

// Delegation returns a copy of the delegation
func (s *Store) Delegation(ctx context.Context, id string) (*models.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *d
	return &out, nil
}

// TransitionDelegation moves a delegation from one status to another. It
// fails with ErrDelegationInactive if the current status is not from.
func (s *Store) TransitionDelegation(ctx context.Context, id string, from, to models.DelegationStatus, at time.Time) (*models.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if d.Status != from {
		return nil, models.ErrDelegationInactive
	}

	d.Status = to
	d.UpdatedAt = at
	switch to {
	case models.DelegationRevoked:
		revoked := at
		d.RevocationDate = &revoked
	case models.DelegationActive:
		d.RevocationDate = nil
	}

	out := *d
	return &out, nil
}

// ConsumeDelegations marks every active delegation to delegateeID on the
// proposal as used and returns them
func (s *Store) ConsumeDelegations(ctx context.Context, proposalID, delegateeID string, at time.Time) ([]models.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var used []models.Delegation
	for _, d := range s.delegations {
		if d.ProposalID != proposalID || d.DelegateeID != delegateeID || d.Status != models.DelegationActive {
			continue
		}
		d.Status = models.DelegationUsed
		d.UpdatedAt = at
		used = append(used, *d)
	}
	sort.Slice(used, func(i, j int) bool { return used[i].CreatedAt.Before(used[j].CreatedAt) })
	return used, nil
}

// DelegationsForProposal lists every delegation on a proposal, oldest first
func (s *Store) DelegationsForProposal(ctx context.Context, proposalID string) ([]models.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Delegation
	for _, d := range s.delegations {
		if d.ProposalID == proposalID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
