// Package metrics exposes Prometheus instrumentation for the
// conversation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. All Record
// methods are safe on a nil receiver so instrumentation stays optional
// in tests and embedded use.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec
	TokensTotal  *prometheus.CounterVec

	// Barge-in metrics
	BargeInsTotal prometheus.Counter

	// Audio metrics
	AudioBytesTotal prometheus.Counter
	PacketsDropped  *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a
// fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callengine"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of active calls",
		},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of calls by end status",
		},
		[]string{"status"},
	)

	callDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total turns by outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn generation duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens processed",
		},
		[]string{"provider", "model", "direction"},
	)

	bargeInsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total barge-in interruptions",
		},
	)

	audioBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total inbound audio bytes processed",
		},
	)

	packetsDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped by reason",
		},
		[]string{"reason"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	registry.MustRegister(
		callsActive,
		callsTotal,
		callDuration,
		turnsTotal,
		turnDuration,
		tokensTotal,
		bargeInsTotal,
		audioBytesTotal,
		packetsDropped,
		errorsTotal,
	)

	return &Metrics{
		registry:        registry,
		CallsActive:     callsActive,
		CallsTotal:      callsTotal,
		CallDuration:    callDuration,
		TurnsTotal:      turnsTotal,
		TurnDuration:    turnDuration,
		TokensTotal:     tokensTotal,
		BargeInsTotal:   bargeInsTotal,
		AudioBytesTotal: audioBytesTotal,
		PacketsDropped:  packetsDropped,
		ErrorsTotal:     errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCallStart records a new call starting.
func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

// RecordCallEnd records a call ending.
func (m *Metrics) RecordCallEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(status).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

// RecordTurn records a completed, failed, or discarded turn.
func (m *Metrics) RecordTurn(provider, model, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(provider, model, outcome).Inc()
	if outcome == "completed" {
		m.TurnDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	}
}

// RecordTokens records token usage for a turn.
func (m *Metrics) RecordTokens(provider, model string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordBargeIn records a barge-in interruption.
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}

// RecordAudio records inbound audio bytes.
func (m *Metrics) RecordAudio(bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesTotal.Add(float64(bytes))
}

// RecordPacketDropped records an inbound packet dropped at the engine
// boundary.
func (m *Metrics) RecordPacketDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordError records an error.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
