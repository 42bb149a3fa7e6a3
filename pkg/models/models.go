package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency identifies one of the two platform currencies
type Currency string

const (
	// Acent is earned through demonstrated competence
	Acent Currency = "acent"
	// Dcent is earned through participation
	Dcent Currency = "dcent"
)

// Valid reports whether c is a known currency
func (c Currency) Valid() bool {
	return c == Acent || c == Dcent
}

// TransactionKind classifies why a balance changed
type TransactionKind string

const (
	KindQuizPass             TransactionKind = "quiz_pass"
	KindVoteCast             TransactionKind = "vote_cast"
	KindDelegationReceived   TransactionKind = "delegation_received"
	KindDelegationGiven      TransactionKind = "delegation_given"
	KindCommentVote          TransactionKind = "comment_vote"
	KindProposalCreation     TransactionKind = "proposal_creation"
	KindCommentCreation      TransactionKind = "comment_creation"
	KindProposalRevenue      TransactionKind = "proposal_revenue"
	KindCommentRevenue       TransactionKind = "comment_revenue"
	KindDelegationRevocation TransactionKind = "delegation_revocation"
	KindCommentIntegration   TransactionKind = "comment_integration"
	KindAccountOpening       TransactionKind = "account_opening"
)

// EntityType names the aggregate a transaction refers to
type EntityType string

const (
	EntityAccount    EntityType = "account"
	EntityProposal   EntityType = "proposal"
	EntityComment    EntityType = "comment"
	EntityQuiz       EntityType = "quiz"
	EntityVote       EntityType = "vote"
	EntityDelegation EntityType = "delegation"
)

// EntityRef points at the aggregate that caused a transaction
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// Location is the governance address of an account or proposal
type Location struct {
	Neighborhood string `json:"neighborhood,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	Region       string `json:"region,omitempty"`
	Country      string `json:"country,omitempty"`
}

// Role is an account's platform role
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Account is a platform identity holding both balances
type Account struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email"`
	Name          string          `json:"name"`
	Location      Location        `json:"location"`
	Role          Role            `json:"role"`
	AcentBalance  decimal.Decimal `json:"acent_balance"`
	DcentBalance  decimal.Decimal `json:"dcent_balance"`
	PassedQuizzes []string        `json:"passed_quizzes"`
	Version       int             `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HasPassed reports whether quizID is in the account's passed set
func (a *Account) HasPassed(quizID string) bool {
	for _, id := range a.PassedQuizzes {
		if id == quizID {
			return true
		}
	}
	return false
}

// Balance is a point-in-time view of both currencies
type Balance struct {
	AccountID string          `json:"account_id"`
	Acent     decimal.Decimal `json:"acent"`
	Dcent     decimal.Decimal `json:"dcent"`
}

// Of returns the balance held in currency c
func (b Balance) Of(c Currency) decimal.Decimal {
	if c == Acent {
		return b.Acent
	}
	return b.Dcent
}

// Transaction is an immutable ledger record. Exactly one exists for every
// successful balance mutation.
type Transaction struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Kind           TransactionKind `json:"kind"`
	Currency       Currency        `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Related        EntityRef       `json:"related"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TransactionFilter narrows a history query. Zero values mean "any".
type TransactionFilter struct {
	AccountID string
	Kind      TransactionKind
	Currency  Currency
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Matches reports whether tx passes every set field of the filter
func (f TransactionFilter) Matches(tx *Transaction) bool {
	if f.AccountID != "" && tx.AccountID != f.AccountID {
		return false
	}
	if f.Kind != "" && tx.Kind != f.Kind {
		return false
	}
	if f.Currency != "" && tx.Currency != f.Currency {
		return false
	}
	if !f.Since.IsZero() && tx.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !tx.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// PendingReward is an outbox row for a reward whose ledger write failed
// after the state transition that earned it had already committed.
type PendingReward struct {
	ID          string      `json:"id"`
	Transaction Transaction `json:"transaction"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Scope is a governance level. Levels are ordered from narrowest to widest.
type Scope string

const (
	ScopeNeighborhood   Scope = "neighborhood"
	ScopeCity           Scope = "city"
	ScopeState          Scope = "state"
	ScopeRegion         Scope = "region"
	ScopeCountry        Scope = "country"
	ScopeWorldwide      Scope = "worldwide"
	ScopeInterplanetary Scope = "interplanetary"
)

// Scopes lists every level in escalation order
var Scopes = []Scope{
	ScopeNeighborhood,
	ScopeCity,
	ScopeState,
	ScopeRegion,
	ScopeCountry,
	ScopeWorldwide,
	ScopeInterplanetary,
}

// Level returns the index of s in Scopes, or -1
func (s Scope) Level() int {
	for i, scope := range Scopes {
		if scope == s {
			return i
		}
	}
	return -1
}

// ProposalStatus is the lifecycle state of a proposal
type ProposalStatus string

const (
	ProposalActive    ProposalStatus = "active"
	ProposalClosed    ProposalStatus = "closed"
	ProposalEscalated ProposalStatus = "escalated"
)

// Proposal is a civic proposal open for voting at some scope
type Proposal struct {
	ID                  string          `json:"id"`
	AuthorID            string          `json:"author_id"`
	Title               string          `json:"title"`
	Content             string          `json:"content"`
	Location            Location        `json:"location"`
	Scope               Scope           `json:"scope"`
	Status              ProposalStatus  `json:"status"`
	YesVotes            int             `json:"yes_votes"`
	NoVotes             int             `json:"no_votes"`
	TotalVotes          int             `json:"total_votes"`
	EscalationThreshold int             `json:"escalation_threshold"`
	VotingDeadline      time.Time       `json:"voting_deadline"`
	Revenue             decimal.Decimal `json:"revenue"`
	Version             int             `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// VotingOpen reports whether ballots are accepted at now
func (p *Proposal) VotingOpen(now time.Time) bool {
	return p.Status == ProposalActive && now.Before(p.VotingDeadline)
}

// VoteType is a yes/no ballot choice
type VoteType string

const (
	VoteYes VoteType = "yes"
	VoteNo  VoteType = "no"
)

// Valid reports whether t is yes or no
func (t VoteType) Valid() bool {
	return t == VoteYes || t == VoteNo
}

// Vote is a single ballot on a proposal
type Vote struct {
	ID          string    `json:"id"`
	ProposalID  string    `json:"proposal_id"`
	VoterID     string    `json:"voter_id"`
	Type        VoteType  `json:"type"`
	DelegatedBy []string  `json:"delegated_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// DelegationStatus is the lifecycle state of a delegation
type DelegationStatus string

const (
	DelegationActive  DelegationStatus = "active"
	DelegationRevoked DelegationStatus = "revoked"
	DelegationUsed    DelegationStatus = "used"
)

// Delegation grants a competent delegatee the delegator's vote on one proposal
type Delegation struct {
	ID                   string           `json:"id"`
	ProposalID           string           `json:"proposal_id"`
	DelegatorID          string           `json:"delegator_id"`
	DelegateeID          string           `json:"delegatee_id"`
	Status               DelegationStatus `json:"status"`
	RevocationDate       *time.Time       `json:"revocation_date,omitempty"`
	LastRedelegationDate *time.Time       `json:"last_redelegation_date,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// QuizOption is one selectable answer
type QuizOption struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// QuizQuestion is one question with its options
type QuizQuestion struct {
	Text        string       `json:"text"`
	Options     []QuizOption `json:"options"`
	Explanation string       `json:"explanation"`
}

// Quiz gates competence on a proposal. It is immutable once stored.
type Quiz struct {
	ID           string         `json:"id"`
	ProposalID   string         `json:"proposal_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	CreatedBy    string         `json:"created_by"`
	Questions    []QuizQuestion `json:"questions"`
	PassingScore int            `json:"passing_score"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Answer selects one option for the question at QuestionIndex
type Answer struct {
	QuestionIndex int    `json:"question_index"`
	OptionID      string `json:"option_id"`
}

// Comment is a remark on a proposal that can earn and integrate revenue
type Comment struct {
	ID                 string          `json:"id"`
	ProposalID         string          `json:"proposal_id"`
	AuthorID           string          `json:"author_id"`
	Content            string          `json:"content"`
	IsCompetent        bool            `json:"is_competent"`
	Upvotes            int             `json:"upvotes"`
	Downvotes          int             `json:"downvotes"`
	IsIntegrated       bool            `json:"is_integrated"`
	AutoIntegrated     bool            `json:"auto_integrated"`
	IntegrationDate    *time.Time      `json:"integration_date,omitempty"`
	AcentRevenueEarned decimal.Decimal `json:"acent_revenue_earned"`
	DcentRevenueEarned decimal.Decimal `json:"dcent_revenue_earned"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// CommentVoteType is an up/down vote on a comment
type CommentVoteType string

const (
	CommentUp   CommentVoteType = "up"
	CommentDown CommentVoteType = "down"
)

// Valid reports whether t is up or down
func (t CommentVoteType) Valid() bool {
	return t == CommentUp || t == CommentDown
}
