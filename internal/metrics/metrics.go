package metrics

import (
	"net/http"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "auth"

// Outcome labels.
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeInvalidRequest     = "invalid_request"
	OutcomeConflict           = "conflict"
	OutcomeNotFound           = "not_found"
	OutcomeRevoked            = "revoked"
	OutcomeExpired            = "expired"
	OutcomeError              = "error"
)

// Metrics groups the collectors of the identity service.
type Metrics struct {
	reg prometheus.Gatherer

	logins        *prometheus.CounterVec
	registrations *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	refreshReuse  prometheus.Counter
	logouts       prometheus.Counter
	httpDuration  *prometheus.HistogramVec

	// GRPC holds the per-method gRPC server collectors.
	GRPC *grpcprometheus.ServerMetrics
}

// New registers the collectors on a fresh registry that also carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	grpcMetrics := grpcprometheus.NewServerMetrics()
	grpcMetrics.EnableHandlingTimeHistogram()
	reg.MustRegister(grpcMetrics)

	return &Metrics{
		GRPC: grpcMetrics,
		reg: reg,
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_total",
			Help:      "Registration attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		refreshReuse: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_reuse_total",
			Help:      "Presentations of an already revoked refresh token.",
		}),
		logouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_total",
			Help:      "Logout requests.",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) Login(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Register(outcome string) {
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RefreshReused() {
	m.refreshReuse.Inc()
}

func (m *Metrics) Logout() {
	m.logouts.Inc()
}

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	m.httpDuration.WithLabelValues(method, route, status).Observe(seconds)
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
