package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dreamina_pool"

// Metrics groups the collectors exported on /metrics. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	proxyRequests  *prometheus.CounterVec
	proxyLatency   *prometheus.HistogramVec
	lifecycleTasks *prometheus.CounterVec
	queueDropped   prometheus.Counter
	queueDepth     prometheus.Gauge
	loopRuns       *prometheus.CounterVec
	registrations  *prometheus.CounterVec
}

// New builds and registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by model and outcome.",
		}, []string{"model", "outcome", "status"}),
		proxyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_upstream_seconds",
			Help:      "Upstream round trip latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
		lifecycleTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_tasks_total",
			Help:      "Post-response account updates by kind and result.",
		}, []string{"kind", "result"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_queue_dropped_total",
			Help:      "Account updates dropped because the queue was full.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_queue_depth",
			Help:      "Account updates waiting for a worker.",
		}),
		loopRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation loop iterations by loop and result.",
		}, []string{"loop", "result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration service workflows by kind and result.",
		}, []string{"kind", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.proxyRequests,
		m.proxyLatency,
		m.lifecycleTasks,
		m.queueDropped,
		m.queueDepth,
		m.loopRuns,
		m.registrations,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveProxy records one proxied request.
func (m *Metrics) ObserveProxy(model, outcome string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(model, outcome, strconv.Itoa(status)).Inc()
	if seconds > 0 {
		m.proxyLatency.WithLabelValues(model).Observe(seconds)
	}
}

// LifecycleTask records the result of one account update.
func (m *Metrics) LifecycleTask(kind, result string) {
	if m == nil {
		return
	}
	m.lifecycleTasks.WithLabelValues(kind, result).Inc()
}

// QueueDropped counts a task rejected by a full queue.
func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// SetQueueDepth publishes the current queue length.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// LoopRun records one reconciliation iteration.
func (m *Metrics) LoopRun(loop, result string) {
	if m == nil {
		return
	}
	m.loopRuns.WithLabelValues(loop, result).Inc()
}

// Registration records one registration service workflow.
func (m *Metrics) Registration(kind, result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(kind, result).Inc()
}
