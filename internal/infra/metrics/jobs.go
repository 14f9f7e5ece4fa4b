package metrics

import (
	"kb-research-agent/internal/domain/model"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsProcessedTotal,
		jobsInflight,
		jobsByStatus,
		jobsStuckFailedTotal,
		jobsDeletedTotal,
		jobDurationSeconds,
	)
}

var (
	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_jobs_processed_total",
			Help: "Total number of research jobs finished, labeled by status.",
		},
		[]string{"status"}, // 'completed', 'failed'
	)

	jobsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_jobs_inflight",
			Help: "Number of jobs currently executing in this process.",
		},
	)

	jobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_jobs_by_status",
			Help: "Current number of job rows by status.",
		},
		[]string{"status"},
	)

	jobsStuckFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_jobs_stuck_failed_total",
			Help: "Jobs auto-failed after exceeding the stuck threshold.",
		},
		[]string{"source"}, // 'read', 'sweep'
	)

	jobsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "research_jobs_deleted_total",
			Help: "Terminal jobs removed by retention cleanup.",
		},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_job_duration_seconds",
			Help:    "Wall time of job execution from claim to terminal state.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)
)

func IncJobProcessed(status string) {
	jobsProcessedTotal.WithLabelValues(norm(status)).Inc()
}

func JobStarted()  { jobsInflight.Inc() }
func JobFinished() { jobsInflight.Dec() }

func IncJobsStuckFailed(source string, count int) {
	jobsStuckFailedTotal.WithLabelValues(norm(source)).Add(float64(count))
}

func IncJobsDeleted(count int64) {
	jobsDeletedTotal.Add(float64(count))
}

func ObserveJobDuration(status string, seconds float64) {
	jobDurationSeconds.WithLabelValues(norm(status)).Observe(seconds)
}

func SetJobsByStatus(counts map[model.JobStatus]int64) {
	statuses := []model.JobStatus{
		model.JobStatusPending,
		model.JobStatusProcessing,
		model.JobStatusCompleted,
		model.JobStatusFailed,
	}
	for _, status := range statuses {
		if count, ok := counts[status]; ok {
			jobsByStatus.WithLabelValues(string(status)).Set(float64(count))
		}
	}
}
