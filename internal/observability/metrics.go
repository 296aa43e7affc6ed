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
			Namespace: "spmctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total monitor HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spmctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Monitor HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)

	sessionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spmctl",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Control-socket requests by command and outcome.",
		},
		[]string{"command", "status"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spmctl",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Control-socket round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "status"},
	)
	sessionShortReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spmctl",
			Subsystem: "session",
			Name:      "short_reads_total",
			Help:      "Responses whose body arrived shorter than declared.",
		},
		[]string{"command"},
	)
	telemetryFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spmctl",
			Subsystem: "telemetry",
			Name:      "frames_total",
			Help:      "Telemetry frames handled by the buffer.",
		},
		[]string{"kind"},
	)
	telemetryFill = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spmctl",
			Subsystem: "telemetry",
			Name:      "buffer_frames",
			Help:      "Frames currently held by the telemetry buffer.",
		},
	)
	conditioningCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spmctl",
			Subsystem: "conditioning",
			Name:      "cycles_total",
			Help:      "Conditioning cycles by loop and resulting tip shape.",
		},
		[]string{"loop", "shape"},
	)
	conditioningPulseVoltage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spmctl",
			Subsystem: "conditioning",
			Name:      "pulse_voltage",
			Help:      "Current bias pulse voltage.",
		},
	)
	conditioningShape = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spmctl",
			Subsystem: "conditioning",
			Name:      "tip_shape",
			Help:      "Current tip shape (0 blunt, 1 sharp, 2 stable).",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionRequests,
			sessionDuration,
			sessionShortReads,
			telemetryFrames,
			telemetryFill,
			conditioningCycles,
			conditioningPulseVoltage,
			conditioningShape,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRequest(command, status string, duration time.Duration) {
	RegisterMetrics()
	sessionRequests.WithLabelValues(command, status).Inc()
	sessionDuration.WithLabelValues(command, status).Observe(duration.Seconds())
}

func RecordShortRead(command string) {
	RegisterMetrics()
	sessionShortReads.WithLabelValues(command).Inc()
}

// RecordFrame counts one telemetry frame; kind is sample, metadata or evicted.
func RecordFrame(kind string, buffered int) {
	RegisterMetrics()
	telemetryFrames.WithLabelValues(kind).Inc()
	telemetryFill.Set(float64(buffered))
}

func RecordBufferFill(buffered int) {
	RegisterMetrics()
	telemetryFill.Set(float64(buffered))
}

func RecordCycle(loop, shape string, shapeCode int, pulseVoltage float64) {
	RegisterMetrics()
	conditioningCycles.WithLabelValues(loop, shape).Inc()
	conditioningShape.Set(float64(shapeCode))
	conditioningPulseVoltage.Set(pulseVoltage)
}
