package memory

import (
	"context"
	"sort"

	amounts "github.com/terminal-bench/civicledger/pkg/decimal"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Apply records tx and moves the account balance in one step
func (s *Store) Apply(ctx context.Context, tx *models.Transaction) (models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[tx.AccountID]
	if !ok {
		return models.Balance{}, models.ErrNotFound
	}
	if tx.IdempotencyKey != "" {
		if _, used := s.txByKey[tx.IdempotencyKey]; used {
			return models.Balance{}, models.ErrDuplicateTransaction
		}
	}

	current := acct.DcentBalance
	if tx.Currency == models.Acent {
		current = acct.AcentBalance
	}
	if tx.Amount.IsNegative() && !amounts.Covers(current, tx.Amount) {
		return models.Balance{}, models.ErrInsufficientBalance
	}
	next := current.Add(tx.Amount)

	if tx.Currency == models.Acent {
		acct.AcentBalance = next
	} else {
		acct.DcentBalance = next
	}
	acct.Version++
	acct.UpdatedAt = tx.CreatedAt

	tx.BalanceAfter = next
	stored := *tx
	s.transactions = append(s.transactions, &stored)
	if tx.IdempotencyKey != "" {
		s.txByKey[tx.IdempotencyKey] = &stored
	}

	return balanceOf(acct), nil
}

// TransactionByKey finds a transaction by idempotency key
func (s *Store) TransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txByKey[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *tx
	return &out, nil
}

// Balance returns an account's balances
func (s *Store) Balance(ctx context.Context, accountID string) (models.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return models.Balance{}, models.ErrNotFound
	}
	return balanceOf(acct), nil
}

// Transactions returns matching transactions newest first
func (s *Store) Transactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Transaction
	skipped := 0
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if !filter.Matches(tx) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, *tx)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// EnqueuePending adds a failed reward to the outbox
func (s *Store) EnqueuePending(ctx context.Context, p *models.PendingReward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *p
	s.pending[p.ID] = &stored
	s.pendingOrder = append(s.pendingOrder, p.ID)
	return nil
}

// PendingRewards returns the oldest outbox rows first
func (s *Store) PendingRewards(ctx context.Context, limit int) ([]models.PendingReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PendingReward, 0, len(s.pending))
	for _, id := range s.pendingOrder {
		if p, ok := s.pending[id]; ok {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolvePending removes a replayed reward
func (s *Store) ResolvePending(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.pending, id)
	for i, pid := range s.pendingOrder {
		if pid == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
	return nil
}

// RecordPendingAttempt notes another failed replay
func (s *Store) RecordPendingAttempt(ctx context.Context, id, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return models.ErrNotFound
	}
	p.Attempts++
	p.LastError = lastErr
	return nil
}

func balanceOf(a *models.Account) models.Balance {
	return models.Balance{AccountID: a.ID, Acent: a.AcentBalance, Dcent: a.DcentBalance}
}
