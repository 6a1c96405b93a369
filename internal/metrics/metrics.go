package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signaling_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	callsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signaling_calls_created_total",
			Help: "Total number of call records created",
		},
	)

	callsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_calls_ended_total",
			Help: "Total number of call records removed, by reason",
		},
		[]string{"reason"},
	)

	signalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_signals_total",
			Help: "Total number of signaling messages written, by kind",
		},
		[]string{"kind"},
	)

	wsActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_ws_active_connections",
			Help: "Number of open signaling websocket connections",
		},
	)
)

// RecordHTTP records one served HTTP request.
func RecordHTTP(method, endpoint string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func CallCreated() {
	callsCreatedTotal.Inc()
}

// CallEnded records a removed call record; reason is "hangup" or "left".
func CallEnded(reason string) {
	callsEndedTotal.WithLabelValues(reason).Inc()
}

func SignalWritten(kind string) {
	signalsTotal.WithLabelValues(kind).Inc()
}

func WSConnected() {
	wsActiveConnections.Inc()
}

func WSDisconnected() {
	wsActiveConnections.Dec()
}
