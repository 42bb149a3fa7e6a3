package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/civicledger/internal/accounts"
	"github.com/terminal-bench/civicledger/internal/config"
	"github.com/terminal-bench/civicledger/internal/storage/memory"
	"github.com/terminal-bench/civicledger/pkg/circuit"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:      "s3cret",
		RateLimit:      100,
		RateBurst:      100,
		ReplayBatch:    10,
		ReplaySchedule: "0 * * * * *",
	}
}

func TestBuild(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	ctx := context.Background()

	t.Run("should wire the in-memory graph", func(t *testing.T) {
		a, err := Build(ctx, testConfig(), log)
		require.NoError(t, err)
		defer a.Close()

		assert.IsType(t, &memory.Store{}, a.Store)

		acct, err := a.Services.Accounts.Register(ctx, accounts.Registration{
			Username: "ada", Email: "ada@example.org", Name: "Ada",
		})
		require.NoError(t, err)

		b, err := a.Ledger.Balance(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, "1", b.Acent.String())

		assert.NoError(t, a.Reconciler.RunAll(ctx))
	})

	t.Run("should serve health", func(t *testing.T) {
		a, err := Build(ctx, testConfig(), log)
		require.NoError(t, err)
		defer a.Close()

		rec := httptest.NewRecorder()
		a.Gateway.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should expose the configured schedule", func(t *testing.T) {
		a, err := Build(ctx, testConfig(), log)
		require.NoError(t, err)
		defer a.Close()

		s := a.Schedule()
		assert.Equal(t, "0 * * * * *", s.Replay)
		assert.Empty(t, s.Sweep)
	})

	t.Run("should fail on an unreachable database", func(t *testing.T) {
		cfg := testConfig()
		cfg.DatabaseURL = "postgres://civic@127.0.0.1:1/civic?sslmode=disable&connect_timeout=1"

		var (
			a   *App
			err error
		)
		assert.NotPanics(t, func() { a, err = Build(ctx, cfg, log) })
		assert.Error(t, err)
		assert.Nil(t, a)
	})

	t.Run("should refuse an empty secret", func(t *testing.T) {
		cfg := testConfig()
		cfg.JWTSecret = ""

		var (
			a   *App
			err error
		)
		assert.NotPanics(t, func() { a, err = Build(ctx, cfg, log) })
		assert.Error(t, err)
		assert.Nil(t, a)
	})

	t.Run("should release what was opened before a failure", func(t *testing.T) {
		cfg := testConfig()
		cfg.JWTSecret = ""

		a := &App{Config: cfg, log: log}
		released := 0
		a.onClose(func() error { released++; return nil })

		var (
			got *App
			err error
		)
		assert.NotPanics(t, func() { got, err = build(ctx, a, log) })
		assert.Error(t, err)
		assert.Nil(t, got)
		assert.Equal(t, 1, released)
		assert.Empty(t, a.closers)
		assert.NotNil(t, a.Feed)
		assert.Zero(t, a.Feed.Clients())
	})

	t.Run("should close idempotently", func(t *testing.T) {
		a, err := Build(ctx, testConfig(), log)
		require.NoError(t, err)
		assert.NoError(t, a.Close())
		assert.NoError(t, a.Close())
	})
}

type fakeBus struct {
	connected  bool
	state      circuit.State
	reconnects int64
}

func (f fakeBus) IsConnected() bool { return f.connected }
func (f fakeBus) BreakerState() circuit.State { return f.state }
func (f fakeBus) Reconnects() int64 { return f.reconnects }

func TestBusCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("should pass when connected with a closed breaker", func(t *testing.T) {
		assert.NoError(t, busCheck(fakeBus{connected: true, state: circuit.StateClosed})(ctx))
	})

	t.Run("should report reconnects while disconnected", func(t *testing.T) {
		err := busCheck(fakeBus{reconnects: 3})(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "3 reconnects")
	})

	t.Run("should fail while publishes are shed", func(t *testing.T) {
		err := busCheck(fakeBus{connected: true, state: circuit.StateOpen})(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "open")
	})

	t.Run("should tolerate a half-open breaker", func(t *testing.T) {
		assert.NoError(t, busCheck(fakeBus{connected: true, state: circuit.StateHalfOpen})(ctx))
	})
}
