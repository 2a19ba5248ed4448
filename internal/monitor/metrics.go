package monitor

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lab-sandbox/internal/sandbox"
)

// Metrics holds all Prometheus metrics for the lab service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	InstancesStarted  *prometheus.CounterVec
	ActiveInstances   *prometheus.GaugeVec
	QuotaRejections   *prometheus.CounterVec
	StartDuration     *prometheus.HistogramVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	ReaperReclaimed   *prometheus.CounterVec
	CleanupFailures   *prometheus.CounterVec
	RuntimeLatency    *prometheus.HistogramVec
	RuntimeErrors     *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		InstancesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lab",
				Name:      "instances_started_total",
				Help:      "Instance start attempts by template and result.",
			},
			[]string{"template", "result"},
		),

		ActiveInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "lab",
				Name:      "active_instances",
				Help:      "Instances currently holding a concurrency slot.",
			},
			[]string{"template"},
		),

		QuotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lab",
				Name:      "quota_rejections_total",
				Help:      "Start requests refused by per-user or global limits.",
			},
			[]string{"template", "reason"},
		),

		StartDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lab",
				Name:      "instance_start_duration_seconds",
				Help:      "Time from admission to running.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"template"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lab",
				Name:      "executions_total",
				Help:      "Total executions by environment kind and status.",
			},
			[]string{"kind", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lab",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "lab",
				Name:      "active_executions",
				Help:      "Number of executions currently running.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lab",
				Name:      "security_events_total",
				Help:      "Total security events detected during execution.",
			},
			[]string{"type"},
		),

		ReaperReclaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lab",
				Subsystem: "reaper",
				Name:      "reclaimed_total",
				Help:      "Instances and runtime objects reclaimed by the reaper.",
			},
			[]string{"reason"},
		),

		CleanupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lab",
				Name:      "cleanup_failures_total",
				Help:      "Failed attempts to release runtime resources.",
			},
			[]string{"stage"},
		),

		RuntimeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lab",
				Subsystem: "runtime",
				Name:      "operation_duration_seconds",
				Help:      "Duration of container runtime driver calls.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
			},
			[]string{"operation"},
		),

		RuntimeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lab",
				Subsystem: "runtime",
				Name:      "operation_errors_total",
				Help:      "Failed container runtime driver calls. Not-found results are excluded.",
			},
			[]string{"operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "lab",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "lab",
				Name:      "code_size_bytes",
				Help:      "Size of code submitted to language runtimes in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "lab",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.InstancesStarted,
		m.ActiveInstances,
		m.QuotaRejections,
		m.StartDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.ReaperReclaimed,
		m.CleanupFailures,
		m.RuntimeLatency,
		m.RuntimeErrors,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordStart records the outcome of a Start. result is "success" or the
// error code that ended it.
func (m *Metrics) RecordStart(template, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InstancesStarted.WithLabelValues(template, result).Inc()
	if result == "success" {
		m.StartDuration.WithLabelValues(template).Observe(elapsed.Seconds())
	}
}

// RecordQuotaRejection counts a refused admission.
func (m *Metrics) RecordQuotaRejection(template, reason string) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(template, reason).Inc()
}

// SlotAcquired and SlotReleased track active instances per template.
func (m *Metrics) SlotAcquired(template string) {
	if m == nil {
		return
	}
	m.ActiveInstances.WithLabelValues(template).Inc()
}

func (m *Metrics) SlotReleased(template string) {
	if m == nil {
		return
	}
	m.ActiveInstances.WithLabelValues(template).Dec()
}

// ExecStarted and ExecFinished bracket one execution.
func (m *Metrics) ExecStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ExecFinished(kind, status string, elapsed time.Duration, outputBytes int) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
	m.ExecutionsTotal.WithLabelValues(kind, status).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordCodeSize records the size of code handed to a language runtime.
func (m *Metrics) RecordCodeSize(n int) {
	if m == nil {
		return
	}
	m.CodeSizeBytes.Observe(float64(n))
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// RecordReclaimed counts an object the reaper released.
func (m *Metrics) RecordReclaimed(reason string) {
	if m == nil {
		return
	}
	m.ReaperReclaimed.WithLabelValues(reason).Inc()
}

// RecordCleanupFailure counts a failed release attempt at stage.
func (m *Metrics) RecordCleanupFailure(stage string) {
	if m == nil {
		return
	}
	m.CleanupFailures.WithLabelValues(stage).Inc()
}

// ObserveRuntime implements sandbox.Observer.
func (m *Metrics) ObserveRuntime(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.RuntimeLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) && !errors.Is(err, sandbox.ErrUnsupported) {
		m.RuntimeErrors.WithLabelValues(op).Inc()
	}
}

// RequestStarted and RequestFinished bracket one HTTP request.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Inc()
}

func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Dec()
}
