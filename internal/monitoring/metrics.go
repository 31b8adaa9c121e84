package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Admission metrics
	AdmissionOutcomes *prometheus.CounterVec
	QuotaRejections   *prometheus.CounterVec

	// Ledger metrics
	CreditsCommitted  *prometheus.CounterVec
	ReservationsOpen  prometheus.Gauge
	ReservationEvents *prometheus.CounterVec

	// Dispatch metrics
	DispatchLatency  *prometheus.HistogramVec
	DispatchAttempts *prometheus.CounterVec

	// Provider health
	ProviderHealthState *prometheus.GaugeVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		AdmissionOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_admission_outcomes_total",
				Help: "Terminal outcomes of metered requests by kind",
			},
			[]string{"outcome"},
		),
		QuotaRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_quota_rejections_total",
				Help: "Requests rejected by the quota enforcer",
			},
			[]string{"tier"},
		),
		CreditsCommitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_credits_committed_total",
				Help: "Credits debited by committed reservations",
			},
			[]string{"provider"},
		),
		ReservationsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "metering_reservations_open",
				Help: "Credit reservations currently held",
			},
		),
		ReservationEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_reservation_events_total",
				Help: "Reservation lifecycle events",
			},
			[]string{"event"},
		),
		DispatchLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metering_dispatch_latency_seconds",
				Help:    "Upstream dispatch latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "outcome"},
		),
		DispatchAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_dispatch_attempts_total",
				Help: "Dispatch attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderHealthState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metering_provider_health_state",
				Help: "Provider health state (0=healthy, 1=degraded, 2=unhealthy)",
			},
			[]string{"provider"},
		),
	}

	return metrics
}

// Get returns the initialized metrics
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware returns a Gin middleware recording HTTP metrics
func GinMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
