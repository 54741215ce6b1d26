package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the points ledger.
type Metrics struct {
	TransactionsApplied  *prometheus.CounterVec // by kind
	TransactionsRejected *prometheus.CounterVec // by kind, reason
	IdempotentReplays    prometheus.Counter
	ExecuteDuration      *prometheus.HistogramVec // by kind
	LockWaitDuration     prometheus.Histogram
	CASRetries           prometheus.Counter

	AtomicCommitted   prometheus.Counter
	AtomicRejected    *prometheus.CounterVec // by reason
	AtomicCompensated prometheus.Counter

	EscrowsOpened   prometheus.Counter
	EscrowsResolved *prometheus.CounterVec // by outcome
	SweepRuns       prometheus.Counter
	SweepExpired    prometheus.Counter

	ReconcileRuns     prometheus.Counter
	ReconcileDriftAbs prometheus.Gauge
	ReconcileDrifted  prometheus.Counter
	ReconcileRepairs  prometheus.Counter

	RewardEventsConsumed *prometheus.CounterVec // by result
}

// NewMetrics registers all instruments on the default registry.
func NewMetrics() *Metrics {
	durationBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		TransactionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "points_transactions_applied_total",
			Help: "Ledger entries committed, by entry kind",
		}, []string{"kind"}),

		TransactionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "points_transactions_rejected_total",
			Help: "Transactions rejected with no side effects, by kind and reason",
		}, []string{"kind", "reason"}),

		IdempotentReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_idempotent_replays_total",
			Help: "Requests answered from a previously written ledger entry",
		}),

		ExecuteDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "points_execute_duration_seconds",
			Help:    "End-to-end duration of single-step executions",
			Buckets: durationBuckets,
		}, []string{"kind"}),

		LockWaitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "points_lock_wait_seconds",
			Help:    "Time spent waiting for the per-account lock",
			Buckets: durationBuckets,
		}),

		CASRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_cas_retries_total",
			Help: "Compare-and-swap retries caused by store-level version conflicts",
		}),

		AtomicCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_atomic_committed_total",
			Help: "Multi-step transactions committed in full",
		}),

		AtomicRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "points_atomic_rejected_total",
			Help: "Multi-step transactions rejected before any write, by reason",
		}, []string{"reason"}),

		AtomicCompensated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_atomic_compensated_total",
			Help: "Multi-step transactions reversed with compensating entries",
		}),

		EscrowsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_escrows_opened_total",
			Help: "Escrow holds created",
		}),

		EscrowsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "points_escrows_resolved_total",
			Help: "Escrow holds resolved, by terminal outcome",
		}, []string{"outcome"}),

		SweepRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_escrow_sweep_runs_total",
			Help: "Escrow expiry sweep iterations",
		}),

		SweepExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_escrow_sweep_expired_total",
			Help: "Holds expired by the sweep",
		}),

		ReconcileRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_reconcile_runs_total",
			Help: "Per-account reconciliation checks performed",
		}),

		ReconcileDriftAbs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "points_reconcile_drift_abs",
			Help: "Absolute discrepancy observed by the most recent reconciliation",
		}),

		ReconcileDrifted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_reconcile_drift_total",
			Help: "Reconciliation checks that found a non-zero discrepancy",
		}),

		ReconcileRepairs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "points_reconcile_repairs_total",
			Help: "Explicit adjustment entries posted to repair drift",
		}),

		RewardEventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "points_reward_events_consumed_total",
			Help: "Reward feed events consumed, by result",
		}, []string{"result"}),
	}
}
