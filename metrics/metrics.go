// Package metrics exposes prometheus collectors for injection and jobs.
package metrics

import (
	"time"

	"genstudio/workflow"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HandlerApplied counts handler applications per handler name.
	HandlerApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_handler_applied_total",
			Help: "Total number of times a node handler was applied",
		},
		[]string{"handler"},
	)

	// JobsTotal counts finished jobs by workflow and final status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_jobs_total",
			Help: "Total number of generation jobs by outcome",
		},
		[]string{"workflow", "status"},
	)

	// JobDuration tracks wall time from queueing to the last output.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genstudio_job_duration_seconds",
			Help:    "Generation job duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"workflow"},
	)
)

func init() {
	prometheus.MustRegister(HandlerApplied)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
}

// Observer counts every handler the orchestrator applies.
func Observer() workflow.Observer {
	return func(handler, _, _ string) {
		HandlerApplied.WithLabelValues(handler).Inc()
	}
}

// ObserveJob records the outcome of one job.
func ObserveJob(workflowName, status string, took time.Duration) {
	JobsTotal.WithLabelValues(workflowName, status).Inc()
	JobDuration.WithLabelValues(workflowName).Observe(took.Seconds())
}
