package models

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrDuplicateVote         = errors.New("already voted on this proposal")
	ErrDuplicateDelegation   = errors.New("already delegated on this proposal")
	ErrSelfDelegation        = errors.New("cannot delegate to yourself")
	ErrSelfVote              = errors.New("cannot vote on your own comment")
	ErrDelegateeNotCompetent = errors.New("delegatee has not passed the quiz")
	ErrAlreadyVoted          = errors.New("delegator has already voted")
	ErrAlreadyDelegated      = errors.New("voter has delegated on this proposal")
	ErrQuizNotPassed         = errors.New("quiz must be passed before voting directly")
	ErrVotingClosed          = errors.New("voting is closed")
	ErrAlreadyIntegrated     = errors.New("comment already integrated")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")

	ErrDelegationInactive     = errors.New("delegation is no longer active")
	ErrNotEligible            = errors.New("proposal is not eligible for this transition")
	ErrQuizExists             = errors.New("quiz already exists for this proposal")
	ErrInvalidInput           = errors.New("invalid input")
	ErrDuplicateAccount       = errors.New("username or email already registered")
	ErrDuplicateTransaction   = errors.New("idempotency key already used")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrLedgerDrift            = errors.New("balance does not match transaction history")
)

// ErrInsufficientDcents is the dcent form of ErrInsufficientBalance returned
// when a non-competent comment cannot be paid for
var ErrInsufficientDcents = fmt.Errorf("insufficient dcents: %w", ErrInsufficientBalance)
