package observability

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolrep",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "poolrep",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	laneRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolrep",
			Subsystem: "lane",
			Name:      "requests_total",
			Help:      "Lane requests by operation and result.",
		},
		[]string{"op", "result"},
	)
	laneDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "poolrep",
			Subsystem: "lane",
			Name:      "request_duration_seconds",
			Help:      "Lane request latency from dequeue to acknowledgment.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		},
		[]string{"op"},
	)
	laneBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolrep",
			Subsystem: "lane",
			Name:      "bytes_total",
			Help:      "Bytes moved by acknowledged lane requests.",
		},
		[]string{"op"},
	)
	laneFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poolrep",
			Subsystem: "lane",
			Name:      "faults_total",
			Help:      "Lanes that entered the faulted state.",
		},
	)
	registryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poolrep",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry operations by result.",
		},
		[]string{"op", "result"},
	)
	daemonConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "poolrep",
			Subsystem: "daemon",
			Name:      "connections",
			Help:      "Open daemon connections by kind.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			laneRequests, laneDuration, laneBytes, laneFaults,
			registryOps, daemonConns,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordLaneRequest counts one completed lane request. Bytes are only added
// for successful requests.
func RecordLaneRequest(op string, n int, duration time.Duration, err error) {
	RegisterMetrics()
	laneRequests.WithLabelValues(op, resultLabel(err)).Inc()
	laneDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err == nil && n > 0 {
		laneBytes.WithLabelValues(op).Add(float64(n))
	}
}

func RecordLaneFault() {
	RegisterMetrics()
	laneFaults.Inc()
}

func RecordRegistryOp(op string, err error) {
	RegisterMetrics()
	registryOps.WithLabelValues(op, resultLabel(err)).Inc()
}

// TrackConnection bumps the open-connection gauge for kind and returns the
// matching decrement.
func TrackConnection(kind string) func() {
	RegisterMetrics()
	g := daemonConns.WithLabelValues(kind)
	g.Inc()
	var once sync.Once
	return func() {
		once.Do(g.Dec)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
