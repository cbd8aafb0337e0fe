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
			Namespace: "flightctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flightctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	flightRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flightctl",
			Subsystem: "flight",
			Name:      "rows_total",
			Help:      "Flight rows encoded or decoded, by tag.",
		},
		[]string{"direction", "tag"},
	)
	inspectRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flightctl",
			Subsystem: "inspect",
			Name:      "requests_total",
			Help:      "Element inspection requests by outcome.",
		},
		[]string{"outcome"},
	)
	inspectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flightctl",
			Subsystem: "inspect",
			Name:      "request_duration_seconds",
			Help:      "Element inspection round trip in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flightctl",
			Subsystem: "inspect",
			Name:      "poll_cycles_total",
			Help:      "Element polling cycles by result.",
		},
		[]string{"result"},
	)
	bridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flightctl",
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Bridge messages by direction and event.",
		},
		[]string{"direction", "event"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			flightRows,
			inspectRequests,
			inspectDuration,
			pollCycles,
			bridgeMessages,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFlightRow counts one row; direction is "encode" or "decode".
func RecordFlightRow(direction, tag string) {
	RegisterMetrics()
	flightRows.WithLabelValues(direction, tag).Inc()
}

func RecordInspectRequest(outcome string, duration time.Duration) {
	RegisterMetrics()
	inspectRequests.WithLabelValues(outcome).Inc()
	inspectDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordPollCycle(result string) {
	RegisterMetrics()
	pollCycles.WithLabelValues(result).Inc()
}

// RecordBridgeMessage counts one bridge message; direction is "send" or
// "receive".
func RecordBridgeMessage(direction, event string) {
	RegisterMetrics()
	bridgeMessages.WithLabelValues(direction, event).Inc()
}
