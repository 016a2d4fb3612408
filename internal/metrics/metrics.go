package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteDecision identifies how a request was resolved by the controller.
type RouteDecision string

const (
	// RouteNetwork indicates the origin answered the request.
	RouteNetwork RouteDecision = "network"
	// RouteCache indicates the network failed and a cached entry was served.
	RouteCache RouteDecision = "cache"
	// RouteMiss indicates the network failed and the cache had no entry.
	RouteMiss RouteDecision = "miss"
	// RouteBypass indicates an excluded request forwarded without caching.
	RouteBypass RouteDecision = "bypass"
)

// InstallResult captures the outcome of a generation install.
type InstallResult string

const (
	// InstallSucceeded indicates every precache asset was stored.
	InstallSucceeded InstallResult = "succeeded"
	// InstallFailed indicates the install was abandoned.
	InstallFailed InstallResult = "failed"
)

// Recorder publishes Prometheus metrics for controller activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	routes       *prometheus.CounterVec
	routeLatency *prometheus.HistogramVec

	installs       *prometheus.CounterVec
	installLatency *prometheus.HistogramVec
	precached      *prometheus.GaugeVec

	evictions *prometheus.CounterVec
	claims    prometheus.Counter
	clients   prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	routes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubcache",
		Subsystem: "route",
		Name:      "requests_total",
		Help:      "Requests routed by the offline controller.",
	}, []string{"generation", "decision"})

	routeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hubcache",
		Subsystem: "route",
		Name:      "duration_seconds",
		Help:      "Latency distribution for routed requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"decision"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubcache",
		Subsystem: "install",
		Name:      "total",
		Help:      "Generation installs by result.",
	}, []string{"generation", "result"})

	installLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hubcache",
		Subsystem: "install",
		Name:      "duration_seconds",
		Help:      "Time spent fetching and storing precache assets.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})

	precached := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hubcache",
		Subsystem: "install",
		Name:      "precached_assets",
		Help:      "Assets stored by the last successful install of a generation.",
	}, []string{"generation"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubcache",
		Subsystem: "activate",
		Name:      "evicted_generations_total",
		Help:      "Stale generations deleted during activation.",
	}, []string{"result"})

	claims := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hubcache",
		Subsystem: "activate",
		Name:      "claimed_clients_total",
		Help:      "Client contexts rebound to a newly activated controller.",
	})

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hubcache",
		Name:      "clients",
		Help:      "Client contexts currently tracked by the registration.",
	})

	reg.MustRegister(routes, routeLatency, installs, installLatency, precached, evictions, claims, clients)

	return &Recorder{
		gatherer:       reg,
		handler:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		routes:         routes,
		routeLatency:   routeLatency,
		installs:       installs,
		installLatency: installLatency,
		precached:      precached,
		evictions:      evictions,
		claims:         claims,
		clients:        clients,
	}
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return r.handler
}

// Gatherer returns the underlying registry, mainly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRoute records a routed request.
func (r *Recorder) ObserveRoute(generation string, decision RouteDecision, duration time.Duration) {
	if r == nil {
		return
	}
	decisionLabel := normalizeLabel(string(decision))
	r.routes.WithLabelValues(normalizeLabel(generation), decisionLabel).Inc()
	r.routeLatency.WithLabelValues(decisionLabel).Observe(duration.Seconds())
}

// ObserveInstall records an install attempt and, on success, the stored asset count.
func (r *Recorder) ObserveInstall(generation string, result InstallResult, assets int, duration time.Duration) {
	if r == nil {
		return
	}
	genLabel := normalizeLabel(generation)
	resultLabel := normalizeLabel(string(result))
	r.installs.WithLabelValues(genLabel, resultLabel).Inc()
	r.installLatency.WithLabelValues(resultLabel).Observe(duration.Seconds())
	if result == InstallSucceeded {
		r.precached.WithLabelValues(genLabel).Set(float64(assets))
	}
}

// ObserveEviction records deleted generations; failed deletions are counted separately.
func (r *Recorder) ObserveEviction(deleted, failed int) {
	if r == nil {
		return
	}
	if deleted > 0 {
		r.evictions.WithLabelValues("deleted").Add(float64(deleted))
	}
	if failed > 0 {
		r.evictions.WithLabelValues("error").Add(float64(failed))
	}
}

// ObserveClaim records client contexts claimed by an activation.
func (r *Recorder) ObserveClaim(claimed int) {
	if r == nil || claimed <= 0 {
		return
	}
	r.claims.Add(float64(claimed))
}

// SetClients publishes the number of tracked client contexts.
func (r *Recorder) SetClients(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
