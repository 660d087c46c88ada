// Package metrics holds the prometheus collectors for the validation host.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pvf"

type Metrics struct {
	registry *prometheus.Registry

	prepareJobs     *prometheus.CounterVec
	executeJobs     *prometheus.CounterVec
	prepareDuration prometheus.Histogram
	executeDuration prometheus.Histogram
	workersSpawned  *prometheus.CounterVec
	workersRetired  *prometheus.CounterVec
	spawnFailures   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	workers         *prometheus.GaugeVec
	artifacts       *prometheus.GaugeVec
	selfHeals       prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		prepareJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prepare_jobs_total",
			Help:      "Prepare jobs by outcome.",
		}, []string{"outcome"}),
		executeJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execute_jobs_total",
			Help:      "Execute jobs by outcome.",
		}, []string{"outcome"}),
		prepareDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prepare_duration_seconds",
			Help:      "Wall-clock time of prepare jobs on a worker.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 360},
		}),
		executeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_duration_seconds",
			Help:      "Wall-clock time of execute jobs on a worker.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		workersSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Worker processes started.",
		}, []string{"kind"}),
		workersRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_retired_total",
			Help:      "Worker processes removed from a pool.",
		}, []string{"kind", "reason"}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawn_failures_total",
			Help:      "Failed attempts to start a worker.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}, []string{"kind"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Live workers by kind and state.",
		}, []string{"kind", "state"}),
		artifacts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifacts",
			Help:      "Artifact index entries by state.",
		}, []string{"state"}),
		selfHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_self_heals_total",
			Help:      "Ready artifacts found missing on disk and recompiled.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.prepareJobs, m.executeJobs,
		m.prepareDuration, m.executeDuration,
		m.workersSpawned, m.workersRetired, m.spawnFailures,
		m.queueDepth, m.workers, m.artifacts, m.selfHeals,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PrepareFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.prepareJobs.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.prepareDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ExecuteFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executeJobs.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.executeDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) WorkerSpawned(kind string) {
	if m == nil {
		return
	}
	m.workersSpawned.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerRetired(kind, reason string) {
	if m == nil {
		return
	}
	m.workersRetired.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) SpawnFailed(kind string) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetQueueDepth(kind string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) SetWorkers(kind string, idle, busy int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues(kind, "idle").Set(float64(idle))
	m.workers.WithLabelValues(kind, "busy").Set(float64(busy))
}

func (m *Metrics) SetArtifacts(state string, n int) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) SelfHealed() {
	if m == nil {
		return
	}
	m.selfHeals.Inc()
}

// ObserveHTTP records one API request. route is the chi route pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
