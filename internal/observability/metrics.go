package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetlink"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "state",
			Help:      "Current link state per endpoint (1 for the active state).",
		},
		[]string{"endpoint", "state"},
	)
	linkReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Scheduled automatic reconnect attempts.",
		},
		[]string{"endpoint"},
	)
	framesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_total",
			Help:      "Decoded inbound frames by type.",
		},
		[]string{"endpoint", "type"},
	)
	framesMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "malformed_frames_total",
			Help:      "Inbound records dropped as malformed.",
		},
		[]string{"endpoint"},
	)
	subscriberPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "subscriber_panics_total",
			Help:      "Subscriber callbacks that panicked.",
		},
		[]string{"endpoint", "type"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "results_total",
			Help:      "Correlated commands by outcome.",
		},
		[]string{"endpoint", "type", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Time from send to settlement.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "type", "outcome"},
	)
	telemetryFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "flushes_total",
			Help:      "Coalescer flushes per stream.",
		},
		[]string{"endpoint", "kind"},
	)
	telemetryHistory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "history_points",
			Help:      "Retained history points per stream.",
		},
		[]string{"endpoint", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linkState, linkReconnects,
			framesIn, framesMalformed, subscriberPanics,
			commands, commandDuration,
			telemetryFlushes, telemetryHistory,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

var linkStates = []string{"disconnected", "connecting", "connected", "error"}

// RecordLinkState sets the active state to 1 and every other state to 0.
func RecordLinkState(endpoint, state string) {
	RegisterMetrics()
	for _, s := range linkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		linkState.WithLabelValues(endpoint, s).Set(v)
	}
}

func RecordReconnect(endpoint string) {
	RegisterMetrics()
	linkReconnects.WithLabelValues(endpoint).Inc()
}

func RecordFrame(endpoint, frameType string) {
	RegisterMetrics()
	framesIn.WithLabelValues(endpoint, frameType).Inc()
}

func RecordMalformedFrame(endpoint string) {
	RegisterMetrics()
	framesMalformed.WithLabelValues(endpoint).Inc()
}

func RecordSubscriberPanic(endpoint, frameType string) {
	RegisterMetrics()
	subscriberPanics.WithLabelValues(endpoint, frameType).Inc()
}

func RecordCommand(endpoint, commandType, outcome string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(endpoint, commandType, outcome).Inc()
	commandDuration.WithLabelValues(endpoint, commandType, outcome).Observe(duration.Seconds())
}

func RecordFlush(endpoint, kind string, historyLen int) {
	RegisterMetrics()
	telemetryFlushes.WithLabelValues(endpoint, kind).Inc()
	telemetryHistory.WithLabelValues(endpoint, kind).Set(float64(historyLen))
}

// ForgetEndpoint drops every per-endpoint series after registry removal.
func ForgetEndpoint(endpoint string) {
	RegisterMetrics()
	labels := prometheus.Labels{"endpoint": endpoint}
	for _, vec := range []*prometheus.MetricVec{
		linkState.MetricVec, linkReconnects.MetricVec, framesIn.MetricVec, framesMalformed.MetricVec,
		subscriberPanics.MetricVec, commands.MetricVec, commandDuration.MetricVec,
		telemetryFlushes.MetricVec, telemetryHistory.MetricVec,
	} {
		vec.DeletePartialMatch(labels)
	}
}
