package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation loop and verifier metrics, partitioned by network where the
// label is meaningful.

var (
	// Reconciler
	ReconcilerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "reconciler",
		Name:      "ticks_total",
		Help:      "Total reconciliation ticks",
	})

	ReconcilerTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "reconciler",
		Name:      "tick_errors_total",
		Help:      "Total ticks that failed to list claimable deposits",
	})

	ReconcilerTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "deposits",
		Subsystem: "reconciler",
		Name:      "tick_duration_seconds",
		Help:      "Reconciliation tick processing duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	ClaimsContended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "reconciler",
		Name:      "claims_contended_total",
		Help:      "Claim attempts skipped because another worker held the row lock",
	})

	DepositsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "reconciler",
		Name:      "paid_total",
		Help:      "Deposits transitioned to PAID",
	}, []string{"network"})

	DepositsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "reconciler",
		Name:      "failed_total",
		Help:      "Deposits transitioned to FAILED",
	}, []string{"network", "reason"})

	CreditFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "reconciler",
		Name:      "credit_failures_total",
		Help:      "Ledger credit failures during commit (deposit left PENDING)",
	}, []string{"network"})

	// Verifier
	VerifyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "verifier",
		Name:      "outcomes_total",
		Help:      "Verification outcomes by network",
	}, []string{"network", "outcome"})

	VerifyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deposits",
		Subsystem: "verifier",
		Name:      "duration_seconds",
		Help:      "Chain verification duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"network"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Chain RPC calls by network, method, and result class",
	}, []string{"network", "method", "status"})

	ReceiptCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "rpc",
		Name:      "receipt_cache_hits_total",
		Help:      "Transaction receipts served from the in-process cache",
	}, []string{"network"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter",
	}, []string{"network"})

	BreakerStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "rpc",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions per network",
	}, []string{"network", "from", "to"})

	// Intake
	IntakeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "intake",
		Name:      "requests_total",
		Help:      "Intake API requests by method, path pattern, and status code",
	}, []string{"method", "path", "code"})

	// Audit
	AuditPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "audit",
		Name:      "publish_failures_total",
		Help:      "Transition audit events that failed to publish",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered per channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deposits",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the cooldown window",
	}, []string{"channel", "type"})
)
