package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_worker_jobs_received_total",
			Help: "Total number of generation jobs claimed by the worker.",
		},
	)
	jobsSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_worker_jobs_succeeded_total",
			Help: "Total number of jobs that completed a saga.",
		},
	)
	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_worker_jobs_failed_total",
			Help: "Total number of failed jobs, partitioned by failure reason.",
		},
		[]string{"reason"},
	)
	pagesGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_worker_pages_generated_total",
			Help: "Total number of saga pages generated and appended.",
		},
	)
	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_worker_job_duration_seconds",
			Help:    "Histogram of end-to-end job processing durations.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		},
	)
	generationCost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_worker_generation_cost_usd_total",
			Help: "Accumulated estimated generation cost in USD.",
		},
	)
)

func metricsJobReceived()                  { jobsReceived.Inc() }
func metricsJobSucceeded()                 { jobsSucceeded.Inc() }
func metricsJobFailed(reason string)       { jobsFailed.WithLabelValues(reason).Inc() }
func metricsPageGenerated()                { pagesGenerated.Inc() }
func metricsJobDuration(d time.Duration)   { jobDuration.Observe(d.Seconds()) }
func metricsAddGenerationCost(usd float64) { generationCost.Add(usd) }
