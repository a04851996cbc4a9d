package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btpmux",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "btpmux",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btpmux",
			Subsystem: "btp",
			Name:      "packets_total",
			Help:      "BTP packets by direction and type.",
		},
		[]string{"direction", "type"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "btpmux",
			Subsystem: "btp",
			Name:      "call_duration_seconds",
			Help:      "Outbound request round trip by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btpmux",
			Subsystem: "btp",
			Name:      "pending_requests",
			Help:      "Outbound requests awaiting a reply.",
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btpmux",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected authentication handshakes.",
		},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btpmux",
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open peer connections.",
		},
	)
	eventDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btpmux",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped by a sink.",
		},
		[]string{"sink"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			packets, callDuration, pendingRequests,
			authFailures, connections, eventDrops,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordPacket counts one packet; direction is "in" or "out".
func RecordPacket(direction, packetType string) {
	RegisterMetrics()
	packets.WithLabelValues(direction, packetType).Inc()
}

func RecordCall(outcome string, duration time.Duration) {
	RegisterMetrics()
	callDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func SetPendingRequests(n int) {
	RegisterMetrics()
	pendingRequests.Set(float64(n))
}

func RecordAuthFailure() {
	RegisterMetrics()
	authFailures.Inc()
}

func AddConnections(delta int) {
	RegisterMetrics()
	connections.Add(float64(delta))
}

func RecordEventDrop(sink string) {
	RegisterMetrics()
	eventDrops.WithLabelValues(sink).Inc()
}
