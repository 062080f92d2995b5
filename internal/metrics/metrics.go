// Package metrics exposes Prometheus instruments for the fork lifecycle and
// the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"offshoot/api/internal/fork"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	forksCreated   prometheus.Counter
	merges         *prometheus.CounterVec
	mergeConflicts prometheus.Histogram
	mergeDuration  prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

var _ fork.Recorder = (*Metrics)(nil)

// New registers every instrument on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		forksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "offshoot_forks_created_total",
			Help: "Total forks created",
		}),
		merges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offshoot_merges_total",
			Help: "Total merge attempts by outcome",
		}, []string{"outcome"}),
		mergeConflicts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "offshoot_merge_conflicts",
			Help:    "Conflicting fields per successful merge",
			Buckets: []float64{0, 1, 2, 3},
		}),
		mergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "offshoot_merge_duration_seconds",
			Help:    "Duration of successful merges",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offshoot_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offshoot_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) ForkCreated() {
	m.forksCreated.Inc()
}

func (m *Metrics) MergeCompleted(conflicts int, elapsed time.Duration) {
	m.merges.WithLabelValues("success").Inc()
	m.mergeConflicts.Observe(float64(conflicts))
	m.mergeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) MergeFailed(reason string) {
	m.merges.WithLabelValues(reason).Inc()
}

// ObserveRequest records one served HTTP request. route must be a low
// cardinality template such as /api/forks/{id}.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
