package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fixed economic constants. Changing any of these changes the economy.
var (
	ProposalCreationCost    = decimal.NewFromInt(5)
	CommentCreationCost     = decimal.NewFromInt(3)
	QuizPassReward          = decimal.NewFromInt(1)
	VoteCastReward          = decimal.NewFromInt(1)
	YesVoteAuthorReward     = decimal.NewFromInt(1)
	DelegationGivenReward   = decimal.NewFromInt(1)
	DelegationReceivedEach  = decimal.NewFromInt(1)
	CommentVoteReward       = decimal.NewFromInt(1)
	DelegationRevokePenalty = decimal.NewFromInt(1)

	// CommentUpvoteRevenue accrues per upvote until integration
	CommentUpvoteRevenue = decimal.New(1, -1)

	// AutoIntegrationRatio of the proposal's yes votes integrates a comment
	AutoIntegrationRatio = decimal.New(5, -1)

	OpeningAcents = decimal.NewFromInt(1)
	OpeningDcents = decimal.Zero
)

const (
	// DefaultPassingScore is used when a quiz is created without one
	DefaultPassingScore = 70
	// DefaultVotingPeriod applies when a proposal has no explicit deadline
	DefaultVotingPeriod = 7 * 24 * time.Hour
	// BaseEscalationThreshold is multiplied by the scope's multiplier
	BaseEscalationThreshold = 100
	// MinCommentLength is the trimmed minimum comment size
	MinCommentLength = 10
	// RedelegationCooldown must elapse after LastRedelegationDate
	RedelegationCooldown = 365 * 24 * time.Hour
)

// Indexed by Scope.Level()
var (
	escalationMultipliers = []int{1, 5, 10, 20, 50, 100, 200}
	votingPeriodDays      = []int{7, 14, 30, 45, 60, 90, 180}
)

// EscalationThreshold returns the yes votes needed to escalate out of s
func EscalationThreshold(s Scope) int {
	lvl := s.Level()
	if lvl < 0 {
		return BaseEscalationThreshold
	}
	return BaseEscalationThreshold * escalationMultipliers[lvl]
}

// VotingPeriod returns how long voting runs once a proposal reaches s
func VotingPeriod(s Scope) time.Duration {
	lvl := s.Level()
	if lvl < 0 {
		return DefaultVotingPeriod
	}
	return time.Duration(votingPeriodDays[lvl]) * 24 * time.Hour
}
