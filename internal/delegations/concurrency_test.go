package delegations

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// race runs every fn at once and collects the errors of the losers
func race(fns ...func() error) (int32, []error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded atomic.Int32
		failures  []error
		start     = make(chan struct{})
	)
	for _, fn := range fns {
		wg.Add(1)
		go func(fn func() error) {
			defer wg.Done()
			<-start
			if err := fn(); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return
			}
			succeeded.Add(1)
		}(fn)
	}
	close(start)
	wg.Wait()
	return succeeded.Load(), failures
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestDelegateConcurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("should keep one delegation per delegator under contention", func(t *testing.T) {
		f := newFixture(t)

		fns := make([]func() error, 25)
		for i := range fns {
			fns[i] = func() error {
				_, err := f.svc.Delegate(ctx, f.proposal.ID, f.alice.ID, f.bob.ID)
				return err
			}
		}
		succeeded, failures := race(fns...)

		assert.Equal(t, int32(1), succeeded)
		for _, err := range failures {
			assert.ErrorIs(t, err, models.ErrDuplicateDelegation)
		}

		ds, err := f.svc.ForProposal(ctx, f.proposal.ID)
		require.NoError(t, err)
		assert.Len(t, ds, 1)

		rewards, err := f.ledger.History(ctx, models.TransactionFilter{AccountID: f.alice.ID, Kind: models.KindDelegationGiven})
		require.NoError(t, err)
		assert.Len(t, rewards, 1)
		assert.Equal(t, "1", f.dcents(t, f.alice.ID).String())
	})

	t.Run("should let either a vote or a delegation win, never both", func(t *testing.T) {
		f := newFixture(t)

		fns := make([]func() error, 30)
		for i := range fns {
			if i%2 == 0 {
				fns[i] = func() error {
					_, err := f.proposals.CastVote(ctx, f.proposal.ID, f.alice.ID, models.VoteNo)
					return err
				}
				continue
			}
			fns[i] = func() error {
				_, err := f.svc.Delegate(ctx, f.proposal.ID, f.alice.ID, f.bob.ID)
				return err
			}
		}
		succeeded, failures := race(fns...)

		assert.Equal(t, int32(1), succeeded)
		for _, err := range failures {
			assert.True(t, isAny(err,
				models.ErrDuplicateVote, models.ErrAlreadyDelegated,
				models.ErrDuplicateDelegation, models.ErrAlreadyVoted,
			), "unexpected error: %v", err)
		}

		_, voteErr := f.store.Vote(ctx, f.proposal.ID, f.alice.ID)
		voted := voteErr == nil
		ds, err := f.svc.ForProposal(ctx, f.proposal.ID)
		require.NoError(t, err)
		delegated := len(ds) == 1
		assert.True(t, voted != delegated, "voted=%v delegated=%v", voted, delegated)

		votes, err := f.ledger.History(ctx, models.TransactionFilter{AccountID: f.alice.ID, Kind: models.KindVoteCast})
		require.NoError(t, err)
		given, err := f.ledger.History(ctx, models.TransactionFilter{AccountID: f.alice.ID, Kind: models.KindDelegationGiven})
		require.NoError(t, err)
		assert.Equal(t, 1, len(votes)+len(given))
	})
}
