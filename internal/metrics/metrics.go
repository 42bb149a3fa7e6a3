package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/civicledger/pkg/models"
)

const namespace = "civicledger"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Committed ledger transactions.",
		},
		[]string{"kind", "currency"},
	)

	volume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "volume_total",
			Help:      "Absolute amount moved by committed transactions.",
		},
		[]string{"kind", "currency"},
	)

	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed operations by reason.",
		},
		[]string{"operation", "reason"},
	)

	pendingRewards = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "pending_rewards",
			Help:      "Rewards waiting in the outbox.",
		},
	)

	reconcileRuns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"job", "success"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		transactions,
		volume,
		failures,
		pendingRewards,
		reconcileRuns,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveTransaction counts a committed transaction
func ObserveTransaction(kind, currency string, amount decimal.Decimal) {
	transactions.WithLabelValues(kind, currency).Inc()
	v, _ := amount.Abs().Float64()
	volume.WithLabelValues(kind, currency).Add(v)
}

// ObserveFailure counts a failed operation under a bounded reason label
func ObserveFailure(operation string, err error) {
	failures.WithLabelValues(operation, Reason(err)).Inc()
}

// PendingRewardQueued bumps the outbox gauge
func PendingRewardQueued() { pendingRewards.Inc() }

// PendingRewardResolved lowers the outbox gauge
func PendingRewardResolved() { pendingRewards.Dec() }

// SetPendingRewards overwrites the outbox gauge with a counted value
func SetPendingRewards(n int) { pendingRewards.Set(float64(n)) }

// ObserveReconcile records one reconciliation job run
func ObserveReconcile(job string, d time.Duration, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	reconcileRuns.WithLabelValues(job, success).Observe(d.Seconds())
}

// ObserveHTTP records one handled request
func ObserveHTTP(method, path, status string, d time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

var reasons = []struct {
	err    error
	reason string
}{
	{models.ErrInsufficientBalance, "insufficient_balance"},
	{models.ErrDuplicateVote, "duplicate_vote"},
	{models.ErrDuplicateDelegation, "duplicate_delegation"},
	{models.ErrSelfDelegation, "self_delegation"},
	{models.ErrSelfVote, "self_vote"},
	{models.ErrDelegateeNotCompetent, "delegatee_not_competent"},
	{models.ErrAlreadyVoted, "already_voted"},
	{models.ErrAlreadyDelegated, "already_delegated"},
	{models.ErrQuizNotPassed, "quiz_not_passed"},
	{models.ErrVotingClosed, "voting_closed"},
	{models.ErrAlreadyIntegrated, "already_integrated"},
	{models.ErrNotFound, "not_found"},
	{models.ErrUnauthorized, "unauthorized"},
	{models.ErrDelegationInactive, "delegation_inactive"},
	{models.ErrNotEligible, "not_eligible"},
	{models.ErrQuizExists, "quiz_exists"},
	{models.ErrInvalidInput, "invalid_input"},
	{models.ErrDuplicateAccount, "duplicate_account"},
	{models.ErrConcurrentModification, "concurrent_modification"},
	{models.ErrLedgerDrift, "ledger_drift"},
}

// Reason maps err onto a fixed label set
func Reason(err error) string {
	if err == nil {
		return "none"
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}
