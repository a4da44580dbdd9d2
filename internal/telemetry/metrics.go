package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PartitionsEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "cob_partitions_enqueued_total", Help: "Partitions enqueued by job launches"})
	PartitionsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "cob_partitions_completed_total", Help: "Partitions processed successfully"})
	PartitionsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "cob_partitions_failed_total", Help: "Partition attempts that failed and will retry"})
	PartitionsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "cob_partitions_dead_letter_total", Help: "Partitions moved to DLQ"})
	LoansProcessed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "cob_loans_processed_total", Help: "Loans that completed their business step chain"})
	LoansFailed          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cob_loans_failed_total", Help: "Loans whose step chain failed"}, []string{"step"})
	LocksApplied         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cob_locks_applied_total", Help: "Account locks created"}, []string{"owner"})
	LocksSkipped         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cob_locks_skipped_total", Help: "Accounts excluded because a higher-priority owner holds them"}, []string{"owner"})
	RateLimitRejects     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cob_rate_limit_rejects_total", Help: "Trigger requests rejected by rate limiter"}, []string{"route"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cob_queue_depth", Help: "Ready partitions across priorities"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cob_partitions_inflight", Help: "Partitions currently leased"})
	CatchUpRunning       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cob_catch_up_running", Help: "1 while a catch-up replay is in progress"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PartitionsEnqueued,
			PartitionsCompleted,
			PartitionsFailed,
			PartitionsDeadLetter,
			LoansProcessed,
			LoansFailed,
			LocksApplied,
			LocksSkipped,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			CatchUpRunning,
		)
	})
	return promhttp.Handler()
}
