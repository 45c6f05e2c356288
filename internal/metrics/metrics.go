package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reward_batches_created_total",
		Help: "Payout batches created by phase 1.",
	})

	BatchTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_batch_transitions_total",
		Help: "Payout batch status transitions.",
	}, []string{"status"})

	ItemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_item_outcomes_total",
		Help: "Terminal payout item statuses recorded.",
	}, []string{"status"})

	SubmitOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_submit_outcomes_total",
		Help: "Phase 2 submission outcomes.",
	}, []string{"outcome"})

	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reward_submit_duration_seconds",
		Help:    "Time spent submitting a batch to the provider.",
		Buckets: prometheus.DefBuckets,
	})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_reconciliations_total",
		Help: "Reconciliation runs by result.",
	}, []string{"result"})

	Discrepancies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reward_reconcile_discrepancies_total",
		Help: "Local terminal statuses overwritten by a different provider status.",
	})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reward_idempotent_replays_total",
		Help: "Disbursement requests answered from a completed batch.",
	})
)
