package http

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's Prometheus collectors. Pass to components that
// need to record metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	BridgeRestartsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
// activeSessions reports the current live session count across transports.
func NewMetrics(reg prometheus.Registerer, activeSessions func() float64) *Metrics {
	if activeSessions != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "mithril",
				Name:      "active_sessions",
				Help:      "Number of live proxy sessions across all transports",
			},
			activeSessions,
		)
	}
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mithril",
				Name:      "requests_total",
				Help:      "Total requests processed, by destination and HTTP status",
			},
			[]string{"destination", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mithril",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds, by destination",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"destination"},
		),
		BridgeRestartsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mithril",
				Name:      "bridge_restarts_total",
				Help:      "Total stdio subprocess restarts, by destination",
			},
			[]string{"destination"},
		),
	}
}

// observe records one finished request.
func (m *Metrics) observe(dest string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(dest, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(dest).Observe(elapsed.Seconds())
}
