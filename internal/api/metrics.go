package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the broker
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Registry metrics
	TunnelsRegistered prometheus.Gauge
	TunnelsListening  prometheus.Gauge
	TunnelCreates     prometheus.Counter
	TunnelDeletes     prometheus.Counter
	ScriptRenders     *prometheus.CounterVec

	// Session metrics
	SessionsActive  *prometheus.GaugeVec
	SessionsOpened  *prometheus.CounterVec
	TransferBytes   *prometheus.CounterVec
	NotifyClients   prometheus.Gauge
	NotifyBroadcast prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telepy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "telepy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		TunnelsRegistered: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "telepy_tunnels_registered",
				Help: "Number of registered reverse tunnels",
			},
		),
		TunnelsListening: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "telepy_tunnels_listening",
				Help: "Number of reverse ports with a live listener",
			},
		),
		TunnelCreates: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "telepy_tunnel_creates_total",
				Help: "Total number of tunnel creations",
			},
		),
		TunnelDeletes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "telepy_tunnel_deletes_total",
				Help: "Total number of tunnel deletions",
			},
		),
		ScriptRenders: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telepy_script_renders_total",
				Help: "Total number of connection scripts rendered",
			},
			[]string{"variant"},
		),
		SessionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "telepy_sessions_active",
				Help: "Live PTY and file-manager sessions",
			},
			[]string{"kind"},
		),
		SessionsOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telepy_sessions_opened_total",
				Help: "Total sessions opened since start",
			},
			[]string{"kind"},
		),
		TransferBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telepy_transfer_bytes_total",
				Help: "File bytes moved through transfer grants",
			},
			[]string{"direction"},
		),
		NotifyClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "telepy_notification_clients",
				Help: "Connected notification WebSocket clients",
			},
		),
		NotifyBroadcast: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "telepy_notifications_broadcast_total",
				Help: "Total notification events broadcast",
			},
		),
	}
}

// InstrumentHandler wraps an HTTP handler with metrics
func (m *Metrics) InstrumentHandler(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(duration)
	}
}

// HandleMetrics returns the Prometheus metrics endpoint handler
func HandleMetrics() http.Handler {
	return promhttp.Handler()
}

// responseRecorder wraps http.ResponseWriter to capture status code and size
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}
