// Package metrics exposes detection service counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "live_detect"

// Metrics holds every instrument on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	workerStarts      prometheus.Counter
	forcedKills       prometheus.Counter
	abandonedSessions prometheus.Counter
	workerActive      prometheus.Gauge
	resultsRelayed    *prometheus.CounterVec
	resultsDropped    prometheus.Counter
	uploads           *prometheus.CounterVec
	stopDuration      prometheus.Histogram
}

// New creates the instruments and registers them with Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_starts_total",
			Help:      "Detection workers launched",
		}),
		forcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_forced_kills_total",
			Help:      "Workers killed after exceeding the graceful stop timeout",
		}),
		abandonedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_abandoned_total",
			Help:      "Sessions whose worker exited abnormally",
		}),
		workerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_active",
			Help:      "1 while a detection worker is alive",
		}),
		resultsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_relayed_total",
			Help:      "Detection results forwarded to clients",
		}, []string{"transport"}),
		resultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_dropped_total",
			Help:      "Results evicted in the worker or the relay queue before delivery",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "One-shot uploads by outcome",
		}, []string{"status"}), // status: scored, rejected
		stopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_stop_duration_seconds",
			Help:      "Time from stop request to worker exit",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 15},
		}),
	}

	m.registry.MustRegister(
		m.workerStarts, m.forcedKills, m.abandonedSessions, m.workerActive,
		m.resultsRelayed, m.resultsDropped, m.uploads, m.stopDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry is the private registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workerStarts.Inc()
	m.workerActive.Set(1)
}

// WorkerStopped records a worker exit and how long the stop took.
func (m *Metrics) WorkerStopped(seconds float64, forced bool) {
	if m == nil {
		return
	}
	m.workerActive.Set(0)
	m.stopDuration.Observe(seconds)
	if forced {
		m.forcedKills.Inc()
	}
}

// WorkerExited clears the active gauge however the worker ended.
func (m *Metrics) WorkerExited() {
	if m == nil {
		return
	}
	m.workerActive.Set(0)
}

func (m *Metrics) SessionAbandoned() {
	if m == nil {
		return
	}
	m.workerActive.Set(0)
	m.abandonedSessions.Inc()
}

func (m *Metrics) ResultRelayed(transport string) {
	if m == nil {
		return
	}
	m.resultsRelayed.WithLabelValues(transport).Inc()
}

func (m *Metrics) ResultsDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.resultsDropped.Add(float64(n))
}

func (m *Metrics) UploadScored() {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues("scored").Inc()
}

func (m *Metrics) UploadRejected() {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues("rejected").Inc()
}
