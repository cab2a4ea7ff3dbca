package worker

import "github.com/prometheus/client_golang/prometheus"

const (
	statusOK     = "ok"
	statusFailed = "failed"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleseq_pool_jobs_total",
			Help: "Jobs completed by the worker pool.",
		},
		[]string{"pool", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleseq_pool_job_seconds",
			Help:    "Job execution time, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bleseq_pool_queue_depth",
			Help: "Jobs waiting for a worker.",
		},
		[]string{"pool"},
	)

	queueRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleseq_pool_queue_rejected_total",
			Help: "Submissions refused because the queue was full.",
		},
		[]string{"pool"},
	)

	poolState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bleseq_pool_state",
			Help: "Pool state: 0 idle, 1 running, 2 stopping.",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueRejected)
	prometheus.MustRegister(poolState)
}
