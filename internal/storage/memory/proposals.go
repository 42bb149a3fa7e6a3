package memory

import (
	"context"
	"sort"
	"time"

	"github.com/terminal-bench/civicledger/pkg/models"
)

// CreateProposal stores a new proposal
func (s *Store) CreateProposal(ctx context.Context, p *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.proposals[p.ID]; ok {
		return models.ErrInvalidInput
	}
	stored := *p
	s.proposals[p.ID] = &stored
	return nil
}

// Proposal returns a copy of the proposal
func (s *Store) Proposal(ctx context.Context, id string) (*models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *p
	return &out, nil
}

// SaveProposal overwrites a proposal if its version still matches
func (s *Store) SaveProposal(ctx context.Context, p *models.Proposal, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.proposals[p.ID]
	if !ok {
		return models.ErrNotFound
	}
	if current.Version != expectedVersion {
		return models.ErrConcurrentModification
	}

	p.Version = expectedVersion + 1
	stored := *p
	s.proposals[p.ID] = &stored
	return nil
}

// ExpiredProposals lists active proposals whose deadline is not after now
func (s *Store) ExpiredProposals(ctx context.Context, now time.Time) ([]models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Proposal
	for _, p := range s.proposals {
		if p.Status == models.ProposalActive && !now.Before(p.VotingDeadline) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VotingDeadline.Before(out[j].VotingDeadline) })
	return out, nil
}

// CreateVote inserts v and updates the proposal tally as one step. It
// rejects a second ballot, a voter holding a live delegation, and a
// proposal that is no longer open at v.CreatedAt.
func (s *Store) CreateVote(ctx context.Context, v *models.Vote) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[v.ProposalID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !p.VotingOpen(v.CreatedAt) {
		return nil, models.ErrVotingClosed
	}

	key := pairKey{proposalID: v.ProposalID, accountID: v.VoterID}
	if _, voted := s.voteByVoter[key]; voted {
		return nil, models.ErrDuplicateVote
	}
	if id, ok := s.delegationByPair[key]; ok && s.delegations[id].Status != models.DelegationRevoked {
		return nil, models.ErrAlreadyDelegated
	}

	stored := *v
	stored.DelegatedBy = copyStrings(v.DelegatedBy)
	s.votes[v.ID] = &stored
	s.voteByVoter[key] = v.ID

	if v.Type == models.VoteYes {
		p.YesVotes++
		p.Revenue = p.Revenue.Add(models.YesVoteAuthorReward)
	} else {
		p.NoVotes++
	}
	p.TotalVotes++
	p.Version++
	p.UpdatedAt = v.CreatedAt

	out := *p
	return &out, nil
}

// SetVoteDelegators records which delegations a vote consumed
func (s *Store) SetVoteDelegators(ctx context.Context, voteID string, delegators []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.votes[voteID]
	if !ok {
		return models.ErrNotFound
	}
	v.DelegatedBy = copyStrings(delegators)
	return nil
}

// Vote returns the ballot cast by voterID on proposalID
func (s *Store) Vote(ctx context.Context, proposalID, voterID string) (*models.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.voteByVoter[pairKey{proposalID: proposalID, accountID: voterID}]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *s.votes[id]
	out.DelegatedBy = copyStrings(s.votes[id].DelegatedBy)
	return &out, nil
}
