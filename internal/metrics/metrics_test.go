package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/civicledger/pkg/models"
)

func TestReason(t *testing.T) {
	t.Run("should map wrapped sentinels", func(t *testing.T) {
		err := fmt.Errorf("cast vote: %w", models.ErrDuplicateVote)
		assert.Equal(t, "duplicate_vote", Reason(err))
	})

	t.Run("should bucket unknown errors as internal", func(t *testing.T) {
		assert.Equal(t, "internal", Reason(errors.New("disk on fire")))
		assert.Equal(t, "none", Reason(nil))
	})
}

func TestObserveTransaction(t *testing.T) {
	t.Run("should count transactions by kind and currency", func(t *testing.T) {
		before := testutil.ToFloat64(transactions.WithLabelValues("quiz_pass", "acent"))

		ObserveTransaction("quiz_pass", "acent", decimal.NewFromInt(1))

		after := testutil.ToFloat64(transactions.WithLabelValues("quiz_pass", "acent"))
		assert.Equal(t, before+1, after)
	})

	t.Run("should add absolute volume for debits", func(t *testing.T) {
		before := testutil.ToFloat64(volume.WithLabelValues("proposal_creation", "acent"))

		ObserveTransaction("proposal_creation", "acent", decimal.NewFromInt(-5))

		after := testutil.ToFloat64(volume.WithLabelValues("proposal_creation", "acent"))
		assert.InDelta(t, before+5, after, 1e-9)
	})
}

func TestPendingGauge(t *testing.T) {
	t.Run("should track the outbox size", func(t *testing.T) {
		SetPendingRewards(2)
		PendingRewardQueued()
		PendingRewardResolved()
		PendingRewardResolved()

		assert.Equal(t, float64(1), testutil.ToFloat64(pendingRewards))
	})
}

func TestHandler(t *testing.T) {
	t.Run("should expose registered collectors", func(t *testing.T) {
		ObserveHTTP("GET", "/api/v1/balance", "200", 10*time.Millisecond)
		ObserveReconcile("verify", time.Second, nil)

		rec := httptest.NewRecorder()
		Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.True(t, strings.Contains(body, "civicledger_http_requests_total"))
		assert.True(t, strings.Contains(body, "civicledger_reconcile_run_duration_seconds"))
	})
}
