package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login outcomes reported on docgate_logins_total.
const (
	outcomeSuccess     = "success"
	outcomeDenied      = "denied"
	outcomeFailed      = "failed"
	outcomeInvalid     = "invalid_callback"
	outcomeUnavailable = "provider_unavailable"
)

// Metrics holds the service collectors. Each instance owns its registry so
// several Apps can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	logins          *prometheus.CounterVec
	logouts         prometheus.Counter
	renewals        *prometheus.CounterVec
	proxyRequests   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors. activeSessions is sampled on scrape.
func NewMetrics(activeSessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docgate_logins_total",
			Help: "Completed login callbacks by outcome.",
		}, []string{"outcome"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docgate_logouts_total",
			Help: "Logouts of authenticated sessions.",
		}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docgate_token_renewals_total",
			Help: "Access token renewals by result.",
		}, []string{"result"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docgate_proxy_requests_total",
			Help: "Requests forwarded to the backend by route and status.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docgate_http_request_duration_seconds",
			Help:    "Latency of HTTP requests handled by the gate.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		m.logins,
		m.logouts,
		m.renewals,
		m.proxyRequests,
		m.requestDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "docgate_active_sessions",
			Help: "Browser sessions currently held in memory.",
		}, func() float64 {
			if activeSessions == nil {
				return 0
			}
			return float64(activeSessions())
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) login(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) logout() {
	m.logouts.Inc()
}

func (m *Metrics) renewal(ok bool) {
	result := "success"
	if !ok {
		result = "failed"
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Metrics) proxied(route string, status int) {
	m.proxyRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Instrument records request latency by method and status.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requestDuration.
			WithLabelValues(methodLabel(r.Method), strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// methodLabel bounds the method label to the standard methods.
func methodLabel(method string) string {
	switch m := strings.ToUpper(method); m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return m
	default:
		return "OTHER"
	}
}
