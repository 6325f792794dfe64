package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vnipet/device-auth/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation. A nil receiver is a
// valid no-op recorder.
type MetricsService struct {
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	tokensIssued    *prometheus.CounterVec
	refreshRejected *prometheus.CounterVec
	gateRejected    *prometheus.CounterVec
	loginLocked     prometheus.Counter
	trustScore      prometheus.Histogram
	sweepDeleted    prometheus.Counter
	sessionDropped  prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	tokensIssued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_pairs_issued_total",
		Help: "Token pairs issued by flow",
	}, []string{"flow", "role"})

	refreshRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_refresh_rejected_total",
		Help: "Refresh credentials rejected by internal reason",
	}, []string{"reason"})

	gateRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_gate_rejected_total",
		Help: "Requests rejected by the session gate by internal reason",
	}, []string{"reason"})

	loginLocked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_login_locked_total",
		Help: "Login attempts refused because the identity is locked",
	})

	trustScore := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "device_trust_score",
		Help:    "Distribution of recomputed device trust scores",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	sweepDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_swept_total",
		Help: "Expired refresh credentials physically deleted",
	})

	sessionDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_session_events_dropped_total",
		Help: "Session-close events that could not be queued",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, tokensIssued, refreshRejected, gateRejected, loginLocked, trustScore, sweepDeleted, sessionDropped, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		tokensIssued:    tokensIssued,
		refreshRejected: refreshRejected,
		gateRejected:    gateRejected,
		loginLocked:     loginLocked,
		trustScore:      trustScore,
		sweepDeleted:    sweepDeleted,
		sessionDropped:  sessionDropped,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordTokenIssued counts one issued pair.
func (m *MetricsService) RecordTokenIssued(flow string, role models.Role) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(flow, string(role)).Inc()
}

// RecordRefreshRejected counts a refused refresh credential.
func (m *MetricsService) RecordRefreshRejected(reason string) {
	if m == nil {
		return
	}
	m.refreshRejected.WithLabelValues(reason).Inc()
}

// RecordGateRejection counts a request refused by the session gate.
func (m *MetricsService) RecordGateRejection(reason string) {
	if m == nil {
		return
	}
	m.gateRejected.WithLabelValues(reason).Inc()
}

// RecordLoginLocked counts a login refused by the attempt limiter.
func (m *MetricsService) RecordLoginLocked() {
	if m == nil {
		return
	}
	m.loginLocked.Inc()
}

// ObserveTrustScore records a recomputed trust score.
func (m *MetricsService) ObserveTrustScore(score int) {
	if m == nil {
		return
	}
	m.trustScore.Observe(float64(score))
}

// RecordSweep adds the number of credentials removed by one sweep.
func (m *MetricsService) RecordSweep(deleted int64) {
	if m == nil || deleted <= 0 {
		return
	}
	m.sweepDeleted.Add(float64(deleted))
}

// RecordSessionDropped counts a session-close event lost to a full queue.
func (m *MetricsService) RecordSessionDropped() {
	if m == nil {
		return
	}
	m.sessionDropped.Inc()
}
