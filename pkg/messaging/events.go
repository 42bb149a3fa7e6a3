package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects
const (
	SubjectLedgerTransaction = "civic.ledger.transaction"
	SubjectVoteCast          = "civic.vote.cast"
	SubjectProposalEscalated = "civic.proposal.escalated"
	SubjectProposalClosed    = "civic.proposal.closed"
	SubjectCommentIntegrated = "civic.comment.integrated"
	SubjectDelegationCreated = "civic.delegation.created"
	SubjectDelegationRevoked = "civic.delegation.revoked"
	SubjectAccountRegistered = "civic.account.registered"
	SubjectQuizPassed        = "civic.quiz.passed"
	SubjectAll               = "civic.>"
)

// Event is the envelope every message travels in
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Subject   string          `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  EventMetadata   `json:"metadata"`
}

// EventMetadata contains event metadata
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	AccountID     string `json:"account_id,omitempty"`
	Source        string `json:"source"`
}

// LedgerTransactionEvent is emitted after every committed transaction
type LedgerTransactionEvent struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Kind          string    `json:"kind"`
	Currency      string    `json:"currency"`
	Amount        string    `json:"amount"`
	BalanceAfter  string    `json:"balance_after"`
	Related       string    `json:"related"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// VoteCastEvent is emitted once a ballot is stored
type VoteCastEvent struct {
	VoteID      string   `json:"vote_id"`
	ProposalID  string   `json:"proposal_id"`
	VoterID     string   `json:"voter_id"`
	Type        string   `json:"type"`
	DelegatedBy []string `json:"delegated_by,omitempty"`
	YesVotes    int      `json:"yes_votes"`
	NoVotes     int      `json:"no_votes"`
}

// ProposalEvent carries a proposal's state after a lifecycle transition
type ProposalEvent struct {
	ProposalID          string    `json:"proposal_id"`
	Scope               string    `json:"scope"`
	Status              string    `json:"status"`
	EscalationThreshold int       `json:"escalation_threshold"`
	VotingDeadline      time.Time `json:"voting_deadline"`
}

// CommentIntegratedEvent is emitted when a comment is integrated
type CommentIntegratedEvent struct {
	CommentID  string `json:"comment_id"`
	ProposalID string `json:"proposal_id"`
	AuthorID   string `json:"author_id"`
	Auto       bool   `json:"auto"`
	Payout     string `json:"payout"`
}

// DelegationEvent carries a delegation's state change
type DelegationEvent struct {
	DelegationID string `json:"delegation_id"`
	ProposalID   string `json:"proposal_id"`
	DelegatorID  string `json:"delegator_id"`
	DelegateeID  string `json:"delegatee_id"`
	Status       string `json:"status"`
}

// AccountEvent is emitted on registration
type AccountEvent struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
}

// QuizPassedEvent is emitted on an account's first pass
type QuizPassedEvent struct {
	QuizID     string `json:"quiz_id"`
	ProposalID string `json:"proposal_id"`
	AccountID  string `json:"account_id"`
	Score      int    `json:"score"`
}

// NewEvent wraps data in an envelope
func NewEvent(subject string, data interface{}, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
		Metadata:  metadata,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
