package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/orderflow/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheErrors     *prometheus.CounterVec
	orderWrites     *prometheus.CounterVec
	jobs            *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderflow_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_cache_lookups_total",
		Help: "Hasil pembacaan cache per entitas (hit/miss).",
	}, []string{"entity", "result"})
	cacheErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_cache_errors_total",
		Help: "Kegagalan operasi cache per operasi.",
	}, []string{"op"})
	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_order_writes_total",
		Help: "Penulisan order per jenis, operasi, dan hasil.",
	}, []string{"kind", "op", "outcome"})
	registry.MustRegister(requests, duration, lookups, cacheErrors, writes)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		cacheLookups:    lookups,
		cacheErrors:     cacheErrors,
		orderWrites:     writes,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
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

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs mengembalikan metrik job yang terdaftar pada registry yang sama.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// CacheHit mencatat cache hit.
func (m *Metrics) CacheHit(entity string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(entity, "hit").Inc()
}

// CacheMiss mencatat cache miss.
func (m *Metrics) CacheMiss(entity string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(entity, "miss").Inc()
}

// CacheError mencatat kegagalan cache.
func (m *Metrics) CacheError(op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(op).Inc()
}

// OrderWrite mencatat hasil penulisan order.
func (m *Metrics) OrderWrite(kind, op, outcome string) {
	if m == nil {
		return
	}
	m.orderWrites.WithLabelValues(kind, op, outcome).Inc()
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
