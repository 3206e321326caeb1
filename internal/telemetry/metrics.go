package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksEnqueued    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trailsync_tasks_enqueued_total", Help: "Tasks enqueued by type"}, []string{"type"})
	TasksCompleted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trailsync_tasks_completed_total", Help: "Tasks whose handler returned nil"}, []string{"type"})
	TasksRetried     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trailsync_tasks_retried_total", Help: "Tasks that failed and will retry"}, []string{"type"})
	TasksDeadLetter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trailsync_tasks_dead_letter_total", Help: "Tasks moved to the dead-letter list"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "trailsync_api_rate_limit_rejects_total", Help: "Sync start requests rejected by the rate limiter"})

	SyncJobs            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trailsync_sync_jobs_total", Help: "Finished sync runs by source and outcome"}, []string{"source", "outcome"})
	RecordsImported     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trailsync_records_imported_total", Help: "Newly stored records by source"}, []string{"source"})
	OrchestratorQueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trailsync_orchestrator_queued_total", Help: "Sync tasks queued by the daily orchestrator"}, []string{"source"})
	OrchestratorSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trailsync_orchestrator_skipped_total", Help: "Users skipped because a sync was already active"}, []string{"source"})
	JobsSwept           = prometheus.NewCounter(prometheus.CounterOpts{Name: "trailsync_jobs_swept_total", Help: "Finished jobs removed by the retention sweep"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trailsync_queue_depth", Help: "Ready queue depth across priorities"})
	ScheduledGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trailsync_queue_scheduled", Help: "Delayed tasks waiting for their run time"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trailsync_queue_inflight", Help: "Tasks currently leased"})
	DeadLetterGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trailsync_queue_dead_letter", Help: "Tasks in the dead-letter list"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksEnqueued,
			TasksCompleted,
			TasksRetried,
			TasksDeadLetter,
			RateLimitRejects,
			SyncJobs,
			RecordsImported,
			OrchestratorQueued,
			OrchestratorSkipped,
			JobsSwept,
			QueueDepthGauge,
			ScheduledGauge,
			InFlightGauge,
			DeadLetterGauge,
		)
	})
	return promhttp.Handler()
}
