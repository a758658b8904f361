// Package metrics exposes Prometheus instrumentation for the manager,
// scheduler and kernel cache, mirroring the collector style used elsewhere
// in this codebase (gauges/counters registered at package init, a Timer
// helper for latency histograms).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HalfOpenSAs is the current half-open IKE_SA count the manager tracks
	// for cookie/block threshold decisions.
	HalfOpenSAs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "charon_half_open_sas",
		Help: "Current number of half-open IKE_SAs",
	})

	EstablishedSAs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "charon_established_sas",
		Help: "Current number of established IKE_SAs",
	})

	CookieModeActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "charon_cookie_mode_active",
		Help: "1 if the manager is currently requiring cookies, 0 otherwise",
	})

	SchedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "charon_scheduler_queue_depth",
		Help: "Current depth of the immediate job FIFO",
	})

	JobsExecutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charon_jobs_executed_total",
		Help: "Total jobs executed by the worker pool, by outcome",
	}, []string{"outcome"})

	JobLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "charon_job_latency_seconds",
		Help:    "Time a job spent queued before execution",
		Buckets: prometheus.DefBuckets,
	})

	KernelCacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charon_kernel_cache_entries",
		Help: "Live kernel cache entries by kind",
	}, []string{"kind"})

	RetransmitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "charon_retransmits_total",
		Help: "Total request retransmissions sent by the task engine",
	})
)

func init() {
	prometheus.MustRegister(
		HalfOpenSAs, EstablishedSAs, CookieModeActive,
		SchedulerQueueDepth, JobsExecutedTotal, JobLatency,
		KernelCacheEntries, RetransmitsTotal,
	)
}

// Timer measures an operation's duration and reports it to a histogram.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) time.Duration {
	d := time.Since(t.start)
	h.Observe(d.Seconds())
	return d
}
