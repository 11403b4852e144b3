package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics for the application: the HTTP
// request counters plus the stock engine domain counters.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	movements       *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	expirations     prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stocklane_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocklane_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stocklane_movements_applied_total",
		Help: "Ledger movements applied, by reason.",
	}, []string{"reason"})
	duplicates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stocklane_duplicate_movements_total",
		Help: "Duplicate movement deliveries absorbed by ledger idempotency, by reason.",
	}, []string{"reason"})
	expirations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stocklane_reservations_expired_total",
		Help: "Reservations released by the TTL reaper.",
	})
	registry.MustRegister(requests, duration, movements, duplicates, expirations)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		duplicates:      duplicates,
		expirations:     expirations,
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

// Registerer exposes the registry for registering custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// MovementApplied counts one applied ledger movement.
func (m *Metrics) MovementApplied(reason string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(reason).Inc()
}

// DuplicateAbsorbed counts one absorbed duplicate delivery.
func (m *Metrics) DuplicateAbsorbed(reason string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(reason).Inc()
}

// ReservationsExpired counts reservations released by the TTL reaper.
func (m *Metrics) ReservationsExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expirations.Add(float64(count))
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
