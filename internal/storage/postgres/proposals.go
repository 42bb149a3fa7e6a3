package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/terminal-bench/civicledger/pkg/models"
)

const proposalColumns = `id, author_id, title, content, location, scope, status, yes_votes, no_votes,
	total_votes, escalation_threshold, voting_deadline, revenue, version, created_at, updated_at`

// CreateProposal inserts a new proposal
func (s *Store) CreateProposal(ctx context.Context, p *models.Proposal) error {
	location, err := json.Marshal(p.Location)
	if err != nil {
		return fmt.Errorf("failed to encode location: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (`+proposalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.AuthorID, p.Title, p.Content, location, p.Scope, p.Status, p.YesVotes, p.NoVotes,
		p.TotalVotes, p.EscalationThreshold, p.VotingDeadline, p.Revenue, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

// Proposal loads a proposal
func (s *Store) Proposal(ctx context.Context, id string) (*models.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// SaveProposal overwrites lifecycle fields if the version still matches
func (s *Store) SaveProposal(ctx context.Context, p *models.Proposal, expectedVersion int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET scope = $1, status = $2, yes_votes = $3, no_votes = $4, total_votes = $5,
			escalation_threshold = $6, voting_deadline = $7, revenue = $8, updated_at = $9, version = version + 1
		 WHERE id = $10 AND version = $11`,
		p.Scope, p.Status, p.YesVotes, p.NoVotes, p.TotalVotes,
		p.EscalationThreshold, p.VotingDeadline, p.Revenue, p.UpdatedAt, p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Proposal(ctx, p.ID); err != nil {
			return err
		}
		return models.ErrConcurrentModification
	}
	p.Version = expectedVersion + 1
	return nil
}

// ExpiredProposals lists active proposals whose deadline is not after now
func (s *Store) ExpiredProposals(ctx context.Context, now time.Time) ([]models.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals
		 WHERE status = $1 AND voting_deadline <= $2 ORDER BY voting_deadline`,
		models.ProposalActive, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired proposals: %w", err)
	}
	defer rows.Close()

	var out []models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CreateVote inserts v and updates the tally in one transaction. The
// voter's pair lock orders it against a concurrent delegation.
func (s *Store) CreateVote(ctx context.Context, v *models.Vote) (*models.Proposal, error) {
	var out *models.Proposal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockPair(ctx, tx, v.ProposalID, v.VoterID); err != nil {
			return err
		}

		p, err := scanProposal(tx.QueryRowContext(ctx,
			`SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, v.ProposalID))
		if err != nil {
			return notFound(err)
		}
		if !p.VotingOpen(v.CreatedAt) {
			return models.ErrVotingClosed
		}

		var delegated bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM delegations
			 WHERE proposal_id = $1 AND delegator_id = $2 AND status <> $3)`,
			v.ProposalID, v.VoterID, models.DelegationRevoked,
		).Scan(&delegated)
		if err != nil {
			return fmt.Errorf("failed to check delegation: %w", err)
		}
		if delegated {
			return models.ErrAlreadyDelegated
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO votes (id, proposal_id, voter_id, type, delegated_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			v.ID, v.ProposalID, v.VoterID, v.Type, pq.Array(orEmpty(v.DelegatedBy)), v.CreatedAt,
		)
		if isUniqueViolation(err) {
			return models.ErrDuplicateVote
		}
		if err != nil {
			return fmt.Errorf("failed to insert vote: %w", err)
		}

		if v.Type == models.VoteYes {
			p.YesVotes++
			p.Revenue = p.Revenue.Add(models.YesVoteAuthorReward)
		} else {
			p.NoVotes++
		}
		p.TotalVotes++
		p.UpdatedAt = v.CreatedAt

		_, err = tx.ExecContext(ctx,
			`UPDATE proposals SET yes_votes = $1, no_votes = $2, total_votes = $3, revenue = $4,
				updated_at = $5, version = version + 1
			 WHERE id = $6`,
			p.YesVotes, p.NoVotes, p.TotalVotes, p.Revenue, p.UpdatedAt, p.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update tally: %w", err)
		}
		p.Version++
		out = p
		return nil
	})
	return out, err
}

// SetVoteDelegators records whose delegations a vote carried
func (s *Store) SetVoteDelegators(ctx context.Context, voteID string, delegators []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE votes SET delegated_by = $1 WHERE id = $2`, pq.Array(orEmpty(delegators)), voteID)
	if err != nil {
		return fmt.Errorf("failed to set delegators: %w", err)
	}
	return expectOne(res)
}

// Vote returns the ballot voterID cast on proposalID
func (s *Store) Vote(ctx context.Context, proposalID, voterID string) (*models.Vote, error) {
	var v models.Vote
	err := s.db.QueryRowContext(ctx,
		`SELECT id, proposal_id, voter_id, type, delegated_by, created_at
		 FROM votes WHERE proposal_id = $1 AND voter_id = $2`,
		proposalID, voterID,
	).Scan(&v.ID, &v.ProposalID, &v.VoterID, &v.Type, pq.Array(&v.DelegatedBy), &v.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func scanProposal(row scanner) (*models.Proposal, error) {
	var (
		p        models.Proposal
		location []byte
	)
	err := row.Scan(&p.ID, &p.AuthorID, &p.Title, &p.Content, &location, &p.Scope, &p.Status,
		&p.YesVotes, &p.NoVotes, &p.TotalVotes, &p.EscalationThreshold, &p.VotingDeadline,
		&p.Revenue, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(location) > 0 {
		if err := json.Unmarshal(location, &p.Location); err != nil {
			return nil, fmt.Errorf("failed to decode location: %w", err)
		}
	}
	return &p, nil
}
