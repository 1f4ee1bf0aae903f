// Package metrics registers the Prometheus series the engine updates
// during operation, served at /metrics in text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Submissions counts broker submissions by final result
	// (accepted|failed|unknown).
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_order_submissions_total",
			Help: "Order submissions by result (accepted|failed|unknown)",
		},
		[]string{"result"},
	)

	// StrategyTransitions counts lifecycle transitions by target status.
	StrategyTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_strategy_transitions_total",
			Help: "Strategy state transitions by target status",
		},
		[]string{"status"},
	)

	// ReconcilePasses counts reconciliation passes by outcome
	// (ok|error|skipped); skipped means a pass was already running.
	ReconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_reconcile_passes_total",
			Help: "Reconciliation passes by outcome (ok|error|skipped)",
		},
		[]string{"outcome"},
	)

	// ReconcileConflicts counts OCO conflicts flagged for review.
	ReconcileConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradedesk_reconcile_conflicts_total",
			Help: "OCO sibling conflicts flagged during reconciliation",
		},
	)

	// ExternalAdoptions counts broker orders adopted into the store.
	ExternalAdoptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradedesk_external_orders_adopted_total",
			Help: "Broker-side orders adopted without a local record",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_cache_hits_total",
			Help: "Cache hits by key",
		},
		[]string{"key"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_cache_misses_total",
			Help: "Cache misses by key",
		},
		[]string{"key"},
	)

	// OpenOrders gauges the active (pending submit or submitted) order count
	// as of the last reconciliation pass.
	OpenOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradedesk_open_orders",
			Help: "Active orders as of the last reconciliation pass",
		},
	)

	// RiskRejections counts risk gate rejections by reason code.
	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_risk_rejections_total",
			Help: "Risk gate rejections by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(Submissions, StrategyTransitions)
	prometheus.MustRegister(ReconcilePasses, ReconcileConflicts, ExternalAdoptions)
	prometheus.MustRegister(CacheHits, CacheMisses, OpenOrders)
	prometheus.MustRegister(RiskRejections)
}
