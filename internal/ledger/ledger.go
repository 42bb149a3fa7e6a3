package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/metrics"
	amounts "github.com/terminal-bench/civicledger/pkg/decimal"
	"github.com/terminal-bench/civicledger/pkg/messaging"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Store persists transactions and balances. Apply must create the
// transaction and move the balance as one atomic unit, or do neither.
type Store interface {
	// Apply fills tx.BalanceAfter and returns the resulting balance.
	// It fails with ErrInsufficientBalance when a debit would go negative,
	// ErrDuplicateTransaction when tx.IdempotencyKey was already used and
	// ErrNotFound for an unknown account.
	Apply(ctx context.Context, tx *models.Transaction) (models.Balance, error)
	TransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	Balance(ctx context.Context, accountID string) (models.Balance, error)
	// Transactions returns matching transactions newest first
	Transactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error)
}

// PendingStore is the outbox for rewards that could not be written
type PendingStore interface {
	EnqueuePending(ctx context.Context, p *models.PendingReward) error
	PendingRewards(ctx context.Context, limit int) ([]models.PendingReward, error)
	ResolvePending(ctx context.Context, id string) error
	RecordPendingAttempt(ctx context.Context, id, lastErr string) error
}

// Publisher emits ledger events after commit
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// BalanceCache fronts Store.Balance. Writes overwrite with the balance
// the store committed; reads only fill an empty slot so a slow read can
// never replace a newer write.
type BalanceCache interface {
	Get(ctx context.Context, accountID string) (models.Balance, bool)
	Set(ctx context.Context, b models.Balance)
	Add(ctx context.Context, b models.Balance)
	Invalidate(ctx context.Context, accountID string)
}

// Entry describes a balance change to record
type Entry struct {
	AccountID      string
	Kind           models.TransactionKind
	Currency       models.Currency
	Amount         decimal.Decimal
	Related        models.EntityRef
	Description    string
	IdempotencyKey string
}

// EntryFrom rebuilds the entry a transaction was recorded from
func EntryFrom(tx models.Transaction) Entry {
	return Entry{
		AccountID:      tx.AccountID,
		Kind:           tx.Kind,
		Currency:       tx.Currency,
		Amount:         tx.Amount,
		Related:        tx.Related,
		Description:    tx.Description,
		IdempotencyKey: tx.IdempotencyKey,
	}
}

// Key builds an idempotency key from its parts
func Key(kind models.TransactionKind, parts ...string) string {
	key := string(kind)
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Ledger is the single choke point for balance changes
type Ledger struct {
	store   Store
	pending PendingStore
	events  Publisher
	cache   BalanceCache
	log     logrus.FieldLogger
	now     func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithPending enables the reward outbox
func WithPending(p PendingStore) Option {
	return func(l *Ledger) { l.pending = p }
}

// WithPublisher enables event publishing
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.events = p }
}

// WithCache enables the balance cache
func WithCache(c BalanceCache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new ledger
func NewLedger(store Store, log logrus.FieldLogger, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		log:   log.WithField("component", "ledger"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record applies e atomically. A replay of an already used idempotency key
// returns the original transaction and changes nothing.
func (l *Ledger) Record(ctx context.Context, e Entry) (*models.Transaction, error) {
	if e.AccountID == "" || !e.Currency.Valid() || e.Amount.IsZero() {
		return nil, fmt.Errorf("record %s: %w", e.Kind, models.ErrInvalidInput)
	}

	tx := &models.Transaction{
		ID:             uuid.New().String(),
		AccountID:      e.AccountID,
		Kind:           e.Kind,
		Currency:       e.Currency,
		Amount:         e.Amount,
		Related:        e.Related,
		Description:    e.Description,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      l.now().UTC(),
	}

	balance, err := l.store.Apply(ctx, tx)
	if errors.Is(err, models.ErrDuplicateTransaction) {
		existing, lookupErr := l.store.TransactionByKey(ctx, e.IdempotencyKey)
		if lookupErr != nil {
			return nil, fmt.Errorf("load replayed transaction: %w", lookupErr)
		}
		l.log.WithField("idempotency_key", e.IdempotencyKey).Debug("transaction replay ignored")
		return existing, nil
	}
	if err != nil {
		metrics.ObserveFailure("ledger_record", err)
		return nil, fmt.Errorf("record %s for %s: %w", e.Kind, e.AccountID, err)
	}

	if l.cache != nil {
		l.cache.Set(ctx, balance)
	}
	metrics.ObserveTransaction(string(tx.Kind), string(tx.Currency), tx.Amount)
	l.publish(ctx, tx)

	return tx, nil
}

// Reward records a credit that follows an already committed state change.
// It never fails the caller: a failed write is logged and queued for the
// reconciler, which replays it under the same idempotency key.
func (l *Ledger) Reward(ctx context.Context, e Entry) *models.Transaction {
	tx, err := l.Record(ctx, e)
	if err == nil {
		return tx
	}

	entry := l.log.WithFields(logrus.Fields{
		"account_id":      e.AccountID,
		"kind":            e.Kind,
		"idempotency_key": e.IdempotencyKey,
	}).WithError(err)

	if l.pending == nil {
		entry.Error("reward failed and no outbox is configured")
		return nil
	}

	now := l.now().UTC()
	p := &models.PendingReward{
		ID: uuid.New().String(),
		Transaction: models.Transaction{
			AccountID:      e.AccountID,
			Kind:           e.Kind,
			Currency:       e.Currency,
			Amount:         e.Amount,
			Related:        e.Related,
			Description:    e.Description,
			IdempotencyKey: e.IdempotencyKey,
		},
		Attempts:  1,
		LastError: err.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if qErr := l.pending.EnqueuePending(ctx, p); qErr != nil {
		entry.WithField("outbox_error", qErr.Error()).Error("reward failed and could not be queued")
		return nil
	}
	metrics.PendingRewardQueued()
	entry.Warn("reward failed, queued for reconciliation")
	return nil
}

// Balance returns both balances for an account
func (l *Ledger) Balance(ctx context.Context, accountID string) (models.Balance, error) {
	if l.cache != nil {
		if b, ok := l.cache.Get(ctx, accountID); ok {
			return b, nil
		}
	}

	b, err := l.store.Balance(ctx, accountID)
	if err != nil {
		return models.Balance{}, fmt.Errorf("get balance: %w", err)
	}

	if l.cache != nil {
		l.cache.Add(ctx, b)
	}
	return b, nil
}

// History returns an account's transactions, newest first
func (l *Ledger) History(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	if filter.AccountID == "" {
		return nil, fmt.Errorf("history: %w", models.ErrInvalidInput)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("history: %w", models.ErrInvalidInput)
	}
	txs, err := l.store.Transactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return txs, nil
}

// Verify checks that each balance equals the sum of its transactions
func (l *Ledger) Verify(ctx context.Context, accountID string) error {
	b, err := l.store.Balance(ctx, accountID)
	if err != nil {
		return fmt.Errorf("verify balance: %w", err)
	}
	txs, err := l.store.Transactions(ctx, models.TransactionFilter{AccountID: accountID})
	if err != nil {
		return fmt.Errorf("verify history: %w", err)
	}

	var acents, dcents []decimal.Decimal
	for _, tx := range txs {
		if tx.Currency == models.Acent {
			acents = append(acents, tx.Amount)
		} else {
			dcents = append(dcents, tx.Amount)
		}
	}

	sumA, sumD := amounts.Sum(acents...), amounts.Sum(dcents...)
	if !sumA.Equal(b.Acent) || !sumD.Equal(b.Dcent) {
		l.log.WithFields(logrus.Fields{
			"account_id":    accountID,
			"acent_balance": b.Acent.String(),
			"acent_history": sumA.String(),
			"dcent_balance": b.Dcent.String(),
			"dcent_history": sumD.String(),
		}).Error("ledger drift detected")
		if l.cache != nil {
			l.cache.Invalidate(ctx, accountID)
		}
		return fmt.Errorf("account %s: %w", accountID, models.ErrLedgerDrift)
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, tx *models.Transaction) {
	if l.events == nil {
		return
	}

	event := messaging.LedgerTransactionEvent{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Kind:          string(tx.Kind),
		Currency:      string(tx.Currency),
		Amount:        tx.Amount.String(),
		BalanceAfter:  tx.BalanceAfter.String(),
		Related:       string(tx.Related.Type) + ":" + tx.Related.ID,
		Description:   tx.Description,
		CreatedAt:     tx.CreatedAt,
	}

	// The transaction is committed; a lost event only delays subscribers
	if err := l.events.Publish(ctx, messaging.SubjectLedgerTransaction, event); err != nil {
		l.log.WithError(err).WithField("transaction_id", tx.ID).Warn("failed to publish ledger event")
	}
}
