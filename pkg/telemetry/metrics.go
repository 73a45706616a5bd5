package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sdburn"

// Metrics holds the Prometheus collectors for installer runs.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	copyBytes     prometheus.Gauge
	errorsByKind  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of installer runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of installer runs completed",
			},
			[]string{"mode", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of flash phases in seconds",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"phase"},
		),
		copyBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "copy_bytes",
				Help:      "Bytes copied so far in the current copy phase",
			},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.phaseDuration,
		m.copyBytes,
		m.errorsByKind,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted increments the run counter for the given mode.
func (m *Metrics) RunStarted(mode string) {
	m.runsStarted.WithLabelValues(mode).Inc()
}

// RunCompleted increments the completion counter for the given mode.
func (m *Metrics) RunCompleted(mode string, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	m.runsCompleted.WithLabelValues(mode, status).Inc()
}

// ObservePhase records how long a flash phase took.
func (m *Metrics) ObservePhase(phase string, seconds float64) {
	m.phaseDuration.WithLabelValues(phase).Observe(seconds)
}

// SetCopyBytes updates the bytes-copied gauge.
func (m *Metrics) SetCopyBytes(bytes float64) {
	m.copyBytes.Set(bytes)
}

// RecordError counts an error by its kind label.
func (m *Metrics) RecordError(kind string) {
	m.errorsByKind.WithLabelValues(kind).Inc()
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// Default returns the process-wide metrics collector.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// RunStarted records a run start on the default collector.
func RunStarted(mode string) {
	Default().RunStarted(mode)
}

// RunCompleted records a run completion on the default collector.
func RunCompleted(mode string, ok bool) {
	Default().RunCompleted(mode, ok)
}

// ObservePhase records a phase duration on the default collector.
func ObservePhase(phase string, seconds float64) {
	Default().ObservePhase(phase, seconds)
}

// SetCopyBytes updates the copy gauge on the default collector.
func SetCopyBytes(bytes float64) {
	Default().SetCopyBytes(bytes)
}

// RecordError counts an error on the default collector.
func RecordError(kind string) {
	Default().RecordError(kind)
}
