package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steward-auth/steward/internal/authz"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	roleChanges       *prometheus.CounterVec
	elections         *prometheus.CounterVec
	invariantRefusals prometheus.Counter
}

// NewMetrics initializes the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steward_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	roleChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_role_changes_total",
		Help: "Committed role changes by kind.",
	}, []string{"kind"})
	elections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_owner_elections_total",
		Help: "Owner elections by outcome.",
	}, []string{"outcome"})
	refusals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "steward_owner_invariant_refusals_total",
		Help: "Operations refused to protect the last active owner.",
	})
	registry.MustRegister(requests, duration, roleChanges, elections, refusals)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		roleChanges:       roleChanges,
		elections:         elections,
		invariantRefusals: refusals,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RoleChanged implements authz.Recorder.
func (m *Metrics) RoleChanged(kind authz.EventKind) {
	if m == nil {
		return
	}
	m.roleChanges.WithLabelValues(string(kind)).Inc()
}

// ElectionResolved implements authz.Recorder.
func (m *Metrics) ElectionResolved(becameOwner bool) {
	if m == nil {
		return
	}
	outcome := "defaulted"
	if becameOwner {
		outcome = "owner"
	}
	m.elections.WithLabelValues(outcome).Inc()
}

// InvariantRefusal implements authz.Recorder.
func (m *Metrics) InvariantRefusal() {
	if m == nil {
		return
	}
	m.invariantRefusals.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
