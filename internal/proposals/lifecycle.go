package proposals

import (
	"time"

	"github.com/terminal-bench/civicledger/pkg/models"
)

// Eligible reports whether p may escalate at now
func Eligible(p *models.Proposal, now time.Time) bool {
	return p.Status == models.ProposalActive &&
		p.YesVotes >= p.EscalationThreshold &&
		!now.Before(p.VotingDeadline)
}

// AtMaxScope reports whether p cannot escalate any further
func AtMaxScope(p *models.Proposal) bool {
	return p.Scope.Level() == len(models.Scopes)-1
}

// Escalate moves an eligible proposal to the next scope, resetting its
// tally, threshold and deadline. At the widest scope it changes nothing
// and reports false.
func Escalate(p *models.Proposal, now time.Time) (bool, error) {
	if !Eligible(p, now) {
		return false, models.ErrNotEligible
	}
	if AtMaxScope(p) {
		return false, nil
	}

	next := models.Scopes[p.Scope.Level()+1]

	p.Scope = next
	p.YesVotes = 0
	p.NoVotes = 0
	p.TotalVotes = 0
	p.EscalationThreshold = models.EscalationThreshold(next)
	p.VotingDeadline = now.Add(models.VotingPeriod(next))
	p.Status = models.ProposalActive
	p.UpdatedAt = now

	return true, nil
}

// Close ends voting on an active proposal whose deadline has passed
func Close(p *models.Proposal, now time.Time) error {
	if p.Status != models.ProposalActive || now.Before(p.VotingDeadline) {
		return models.ErrNotEligible
	}
	p.Status = models.ProposalClosed
	p.UpdatedAt = now
	return nil
}
