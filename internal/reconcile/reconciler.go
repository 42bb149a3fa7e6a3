package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/internal/metrics"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Job names, also used as lock keys and metric labels
const (
	JobReplay = "replay_pending"
	JobVerify = "verify_balances"
	JobSweep  = "sweep_proposals"
)

// DefaultBatchSize bounds one replay pass
const DefaultBatchSize = 100

// AccountLister enumerates every account for verification
type AccountLister interface {
	ListIDs(ctx context.Context) ([]string, error)
}

// Sweeper settles proposals whose voting period ended
type Sweeper interface {
	SweepExpired(ctx context.Context) (escalated, closed int, err error)
}

// Reconciler retries failed rewards, checks every balance against its
// history and settles expired proposals
type Reconciler struct {
	ledger    *ledger.Ledger
	pending   ledger.PendingStore
	accounts  AccountLister
	sweeper   Sweeper
	locker    Locker
	batchSize int
	log       logrus.FieldLogger
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLocker coordinates jobs across replicas
func WithLocker(l Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

// WithBatchSize overrides DefaultBatchSize
func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New creates a reconciler. Without WithLocker jobs lock in-process only.
func New(l *ledger.Ledger, pending ledger.PendingStore, accounts AccountLister, sweeper Sweeper, log logrus.FieldLogger, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:    l,
		pending:   pending,
		accounts:  accounts,
		sweeper:   sweeper,
		locker:    NewLocalLocker(),
		batchSize: DefaultBatchSize,
		log:       log.WithField("component", "reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayResult summarizes a replay pass
type ReplayResult struct {
	Replayed int
	Failed   int
}

// ReplayPending re-records queued rewards. Each reward carries its
// original idempotency key, so a reward that did land before it was
// queued resolves without paying twice.
func (r *Reconciler) ReplayPending(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	err := r.run(ctx, JobReplay, func(ctx context.Context) error {
		queued, err := r.pending.PendingRewards(ctx, r.batchSize)
		if err != nil {
			return fmt.Errorf("list pending rewards: %w", err)
		}
		if len(queued) < r.batchSize {
			metrics.SetPendingRewards(len(queued))
		}

		for _, p := range queued {
			if err := ctx.Err(); err != nil {
				return err
			}
			log := r.log.WithFields(logrus.Fields{"pending_id": p.ID, "account_id": p.Transaction.AccountID, "attempts": p.Attempts})

			if _, err := r.ledger.Record(ctx, ledger.EntryFrom(p.Transaction)); err != nil {
				res.Failed++
				log.WithError(err).Warn("reward replay failed")
				if err := r.pending.RecordPendingAttempt(ctx, p.ID, err.Error()); err != nil {
					log.WithError(err).Error("failed to record replay attempt")
				}
				continue
			}

			if err := r.pending.ResolvePending(ctx, p.ID); err != nil {
				log.WithError(err).Error("reward recorded but pending row was not resolved")
				continue
			}
			res.Replayed++
			metrics.PendingRewardResolved()
		}
		return nil
	})
	if res.Replayed > 0 || res.Failed > 0 {
		r.log.WithFields(logrus.Fields{"replayed": res.Replayed, "failed": res.Failed}).Info("pending rewards replayed")
	}
	return res, err
}

// VerifyBalances checks every account and returns the ids whose balance
// disagrees with its transaction history
func (r *Reconciler) VerifyBalances(ctx context.Context) ([]string, error) {
	var drifted []string
	err := r.run(ctx, JobVerify, func(ctx context.Context) error {
		ids, err := r.accounts.ListIDs(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}

		var errs []error
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := r.ledger.Verify(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrLedgerDrift):
				drifted = append(drifted, id)
			default:
				errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			}
		}
		if len(drifted) > 0 {
			errs = append(errs, fmt.Errorf("%d accounts: %w", len(drifted), models.ErrLedgerDrift))
		}
		return errors.Join(errs...)
	})
	return drifted, err
}

// SweepProposals escalates or closes proposals past their deadline
func (r *Reconciler) SweepProposals(ctx context.Context) error {
	return r.run(ctx, JobSweep, func(ctx context.Context) error {
		escalated, closed, err := r.sweeper.SweepExpired(ctx)
		if escalated > 0 || closed > 0 {
			r.log.WithFields(logrus.Fields{"escalated": escalated, "closed": closed}).Info("expired proposals settled")
		}
		return err
	})
}

// RunAll runs every job once, in order
func (r *Reconciler) RunAll(ctx context.Context) error {
	_, replayErr := r.ReplayPending(ctx)
	_, verifyErr := r.VerifyBalances(ctx)
	sweepErr := r.SweepProposals(ctx)
	return errors.Join(replayErr, verifyErr, sweepErr)
}

// run holds the job's lock for the duration of fn. A job already running
// elsewhere is skipped without error.
func (r *Reconciler) run(ctx context.Context, job string, fn func(context.Context) error) error {
	unlock, err := r.locker.TryLock(ctx, job)
	if errors.Is(err, ErrLockHeld) {
		r.log.WithField("job", job).Debug("job running elsewhere, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", job, err)
	}
	defer unlock()

	start := time.Now()
	err = fn(ctx)
	metrics.ObserveReconcile(job, time.Since(start), err)
	if err != nil {
		r.log.WithError(err).WithField("job", job).Error("reconcile job failed")
	}
	return err
}
