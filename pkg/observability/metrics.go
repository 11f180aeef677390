package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Access decision metrics
	AccessChecksTotal    *prometheus.CounterVec
	AccessCheckDuration  *prometheus.HistogramVec
	SelfHealRetriesTotal *prometheus.CounterVec

	// Entity lock metrics
	LockAcquisitionsTotal *prometheus.CounterVec
	LockHoldDuration      *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Token lifecycle metrics
	TokenRefreshesTotal *prometheus.CounterVec
	SessionsActive      prometheus.Gauge

	// Rights propagation metrics
	EventsProcessedTotal    *prometheus.CounterVec
	EventFanoutDuration     *prometheus.HistogramVec
	ProvisionedUsersChanged *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authcore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		AccessChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_access_checks_total",
				Help: "Total number of access decisions",
			},
			[]string{"decision", "token_kind"},
		),
		AccessCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authcore_access_check_duration_seconds",
				Help:    "Access decision duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"token_kind"},
		),
		SelfHealRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_self_heal_retries_total",
				Help: "Access checks re-evaluated after a default rights re-grant",
			},
			[]string{"outcome"},
		),

		LockAcquisitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_lock_acquisitions_total",
				Help: "Entity lock lease attempts",
			},
			[]string{"table", "outcome"},
		),
		LockHoldDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authcore_lock_hold_duration_seconds",
				Help:    "Time an entity lock lease was held",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
			},
			[]string{"table"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"key_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"key_type"},
		),

		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_token_refreshes_total",
				Help: "Federated token refresh attempts",
			},
			[]string{"outcome"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authcore_sessions_active",
				Help: "Number of live federated sessions",
			},
		),

		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_events_processed_total",
				Help: "Rights propagation events processed",
			},
			[]string{"event_type", "outcome"},
		),
		EventFanoutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authcore_event_fanout_duration_seconds",
				Help:    "Per-event fan-out duration across affected users",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
			},
			[]string{"event_type"},
		),
		ProvisionedUsersChanged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_provisioned_users_changed_total",
				Help: "Users whose base rights changed during event fan-out",
			},
			[]string{"event_type", "change"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AccessChecksTotal,
		m.AccessCheckDuration,
		m.SelfHealRetriesTotal,
		m.LockAcquisitionsTotal,
		m.LockHoldDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.TokenRefreshesTotal,
		m.SessionsActive,
		m.EventsProcessedTotal,
		m.EventFanoutDuration,
		m.ProvisionedUsersChanged,
	)

	return m
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &metricsResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
