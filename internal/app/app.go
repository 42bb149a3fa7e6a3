// Package app wires configuration into a running set of services. Both
// binaries build the same graph; only what they start differs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/accounts"
	"github.com/terminal-bench/civicledger/internal/auth"
	"github.com/terminal-bench/civicledger/internal/cache"
	"github.com/terminal-bench/civicledger/internal/comments"
	"github.com/terminal-bench/civicledger/internal/config"
	"github.com/terminal-bench/civicledger/internal/delegations"
	"github.com/terminal-bench/civicledger/internal/gateway"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/internal/proposals"
	"github.com/terminal-bench/civicledger/internal/quiz"
	"github.com/terminal-bench/civicledger/internal/reconcile"
	"github.com/terminal-bench/civicledger/internal/storage/memory"
	"github.com/terminal-bench/civicledger/internal/storage/postgres"
	"github.com/terminal-bench/civicledger/pkg/circuit"
	"github.com/terminal-bench/civicledger/pkg/messaging"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const lockPrefix = "/civicledger/locks"

// Store is everything the services persist
type Store interface {
	ledger.Store
	ledger.PendingStore
	accounts.Store
	quiz.Store
	proposals.Store
	delegations.Store
	comments.Store
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// App is the wired service graph
type App struct {
	Config     *config.Config
	Store      Store
	Ledger     *ledger.Ledger
	Services   gateway.Services
	Auth       *auth.Service
	Feed       *gateway.Feed
	Gateway    *gateway.Gateway
	Reconciler *reconcile.Reconciler

	log     logrus.FieldLogger
	closers []func() error
}

// Build connects every configured backend and constructs the services.
// On error, whatever was already opened is closed.
func Build(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	return build(ctx, &App{Config: cfg, log: log.WithField("component", "app")}, log)
}

func build(ctx context.Context, a *App, log logrus.FieldLogger) (*App, error) {
	if err := a.wire(ctx, log); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			a.log.WithError(closeErr).Warn("cleanup after failed build")
		}
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, log logrus.FieldLogger) error {
	cfg := a.Config
	checks := map[string]gateway.HealthCheck{}

	if cfg.InMemory() {
		a.log.Warn("no database configured, state is kept in memory")
		a.Store = memory.New()
	} else {
		db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return err
		}
		a.onClose(db.Close)
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
		}
		a.Store = postgres.New(db, log)
		checks["postgres"] = pinger(db)
	}

	a.Feed = gateway.NewFeed("civicledger", log)
	a.onClose(func() error { a.Feed.Close(); return nil })

	var events ledger.Publisher = a.Feed
	if cfg.NATSURL != "" {
		client, err := messaging.NewClient(messaging.Config{
			URL:            cfg.NATSURL,
			Name:           "civicledger",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
			Breaker: circuit.Config{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				HalfOpenMax: 3,
				OnStateChange: func(name string, from, to circuit.State) {
					log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit state changed")
				},
			},
		}, log)
		if err != nil {
			return err
		}
		a.onClose(client.Close)

		unsubscribe, err := a.Feed.Attach(client)
		if err != nil {
			return err
		}
		a.onClose(unsubscribe)

		events = client
		checks["nats"] = busCheck(client)
	}

	opts := []ledger.Option{ledger.WithPending(a.Store), ledger.WithPublisher(events)}
	if cfg.RedisAddr != "" {
		balances := cache.NewBalanceCache(cfg.RedisAddr, cfg.CacheTTL, log)
		a.onClose(balances.Close)
		opts = append(opts, ledger.WithCache(balances))
		checks["redis"] = balances.Ping
	}
	a.Ledger = ledger.NewLedger(a.Store, log, opts...)

	accts := accounts.NewService(a.Store, a.Ledger, events, log)
	quizzes := quiz.NewService(a.Store, a.Store, accts, a.Ledger, events, log)
	dels := delegations.NewService(a.Store, a.Store, accts, quizzes, a.Ledger, events, log)
	props := proposals.NewService(a.Store, accts, quizzes, dels, a.Ledger, events, log)
	cms := comments.NewService(a.Store, a.Store, accts, quizzes, a.Ledger, events, log)
	a.Services = gateway.Services{
		Ledger:      a.Ledger,
		Accounts:    accts,
		Quizzes:     quizzes,
		Proposals:   props,
		Delegations: dels,
		Comments:    cms,
	}

	locker, err := a.locker(cfg, log)
	if err != nil {
		return err
	}
	a.Reconciler = reconcile.New(a.Ledger, a.Store, accts, props, log,
		reconcile.WithLocker(locker),
		reconcile.WithBatchSize(cfg.ReplayBatch),
	)

	a.Auth, err = auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	a.Gateway = gateway.New(gateway.Config{
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Checks:    checks,
	}, a.Services, a.Auth, a.Feed, log)

	return nil
}

// Schedule returns the configured reconciler schedule
func (a *App) Schedule() reconcile.Schedule {
	return reconcile.Schedule{
		Replay: a.Config.ReplaySchedule,
		Verify: a.Config.VerifySchedule,
		Sweep:  a.Config.SweepSchedule,
	}
}

// Close releases backends in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) locker(cfg *config.Config, log logrus.FieldLogger) (reconcile.Locker, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return reconcile.NewLocalLocker(), nil
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	a.onClose(client.Close)

	locker, err := reconcile.NewEtcdLocker(client, lockPrefix, cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	a.onClose(locker.Close)
	log.WithField("endpoints", cfg.EtcdEndpoints).Info("reconciler jobs coordinated through etcd")
	return locker, nil
}

type busStatus interface {
	IsConnected() bool
	BreakerState() circuit.State
	Reconnects() int64
}

// busCheck fails while the connection is down or publishes are being shed
func busCheck(bus busStatus) gateway.HealthCheck {
	return func(context.Context) error {
		if !bus.IsConnected() {
			return fmt.Errorf("disconnected after %d reconnects", bus.Reconnects())
		}
		if state := bus.BreakerState(); state == circuit.StateOpen {
			return fmt.Errorf("publish breaker %s", state)
		}
		return nil
	}
}

func pinger(db *sql.DB) gateway.HealthCheck {
	return db.PingContext
}
