// Package memory is an in-process implementation of every repository
// interface. One mutex serializes all writes, which makes each method an
// atomic unit in the same way a Postgres transaction is.
package memory

import (
	"strings"
	"sync"

	"github.com/terminal-bench/civicledger/pkg/models"
)

// Store holds all aggregates in maps
type Store struct {
	mu sync.RWMutex

	accounts  map[string]*models.Account
	usernames map[string]string
	emails    map[string]string

	transactions []*models.Transaction
	txByKey      map[string]*models.Transaction
	pending      map[string]*models.PendingReward
	pendingOrder []string

	proposals   map[string]*models.Proposal
	votes       map[string]*models.Vote
	voteByVoter map[pairKey]string

	delegations      map[string]*models.Delegation
	delegationByPair map[pairKey]string

	quizzes        map[string]*models.Quiz
	quizByProposal map[string]string

	comments map[string]*models.Comment
}

type pairKey struct {
	proposalID string
	accountID  string
}

// New creates an empty store
func New() *Store {
	return &Store{
		accounts:         make(map[string]*models.Account),
		usernames:        make(map[string]string),
		emails:           make(map[string]string),
		txByKey:          make(map[string]*models.Transaction),
		pending:          make(map[string]*models.PendingReward),
		proposals:        make(map[string]*models.Proposal),
		votes:            make(map[string]*models.Vote),
		voteByVoter:      make(map[pairKey]string),
		delegations:      make(map[string]*models.Delegation),
		delegationByPair: make(map[pairKey]string),
		quizzes:          make(map[string]*models.Quiz),
		quizByProposal:   make(map[string]string),
		comments:         make(map[string]*models.Comment),
	}
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
