// Package metrics exposes Prometheus collectors for the production
// pipeline: provider attempts, batch outcomes, and accumulated cost.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumeo-ai/contentforge/internal/models"
)

var (
	generationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentforge_generation_attempts_total",
			Help: "Provider generation attempts by provider and outcome",
		},
		[]string{"provider", "outcome", "error_code"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentforge_generation_duration_seconds",
			Help:    "Per-attempt generation duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 90, 120},
		},
		[]string{"provider"},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentforge_batches_total",
			Help: "Finished batches by terminal state",
		},
		[]string{"state"},
	)

	piecesPersistedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contentforge_pieces_persisted_total",
			Help: "Content pieces written to the database",
		},
	)

	piecesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentforge_pieces_dropped_total",
			Help: "Pieces dropped from batches by reason",
		},
		[]string{"reason"},
	)

	costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentforge_cost_usd_total",
			Help: "Accumulated spend in USD by operation and provider",
		},
		[]string{"operation", "provider"},
	)

	jobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contentforge_job_queue_depth",
			Help: "Jobs waiting in the work queue",
		},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contentforge_jobs_running",
			Help: "Jobs currently executing",
		},
	)
)

// ObserveAttempt records one provider attempt. Wire it as the router's
// attempt observer.
func ObserveAttempt(a models.ProviderAttempt) {
	generationAttemptsTotal.WithLabelValues(a.Provider, string(a.Outcome), a.ErrorCode).Inc()
	generationDuration.WithLabelValues(a.Provider).Observe(float64(a.DurationMS) / 1000)
	costTotal.WithLabelValues("generate", a.Provider).Add(a.CostUSD)
}

// ObserveBatch records one finished batch.
func ObserveBatch(result *models.BatchResult) {
	batchesTotal.WithLabelValues(string(result.State)).Inc()
	piecesPersistedTotal.Add(float64(len(result.Pieces)))
	for _, d := range result.Dropped {
		piecesDroppedTotal.WithLabelValues(d.Reason).Inc()
	}
	for op, t := range result.Cost.ByOperation {
		if op != "generate" { // generate is attributed per attempt above
			costTotal.WithLabelValues(op, "").Add(t.CostUSD)
		}
	}
}

// SetQueueDepth publishes the current queue length.
func SetQueueDepth(n int64) {
	jobQueueDepth.Set(float64(n))
}

// SetJobsRunning publishes the number of in-flight jobs.
func SetJobsRunning(n int) {
	jobsRunning.Set(float64(n))
}
