package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for sandboxd.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle and execution.
	SandboxOpsTotal        *prometheus.CounterVec
	SandboxOpDuration      *prometheus.HistogramVec
	ActiveSandboxes        prometheus.Gauge
	PackageInstallsTotal   *prometheus.CounterVec
	PublishedFilesTotal    prometheus.Counter

	// Reaper.
	ReaperRunsTotal     prometheus.Counter
	ReapedSandboxes     prometheus.Counter
	PrunedOrphanedRows  prometheus.Counter

	// HTTP gateway.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total coordinator operations.",
		}, []string{"op", "status"}),

		SandboxOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "sandbox",
			Name:      "operation_duration_seconds",
			Help:      "Coordinator operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"op"}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of sandboxes currently registered.",
		}),

		PackageInstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "sandbox",
			Name:      "package_installs_total",
			Help:      "Total package installations by outcome.",
		}, []string{"status"}),

		PublishedFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "files",
			Name:      "published_total",
			Help:      "Total result files published.",
		}),

		ReaperRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "reaper",
			Name:      "runs_total",
			Help:      "Total reaper ticks.",
		}),

		ReapedSandboxes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "reaper",
			Name:      "reaped_sandboxes_total",
			Help:      "Total sandboxes torn down for inactivity.",
		}),

		PrunedOrphanedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "reaper",
			Name:      "orphaned_rows_total",
			Help:      "Total registry rows removed because their container vanished.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxOpsTotal,
		m.SandboxOpDuration,
		m.ActiveSandboxes,
		m.PackageInstallsTotal,
		m.PublishedFilesTotal,
		m.ReaperRunsTotal,
		m.ReapedSandboxes,
		m.PrunedOrphanedRows,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordOp records one coordinator operation with its outcome.
// Nil-safe so callers do not guard every call site.
func (m *MetricsCollector) RecordOp(op, status string, seconds float64) {
	if m == nil {
		return
	}
	m.SandboxOpsTotal.WithLabelValues(op, status).Inc()
	m.SandboxOpDuration.WithLabelValues(op).Observe(seconds)
}

// RecordInstall records a package install outcome.
func (m *MetricsCollector) RecordInstall(status string) {
	if m == nil {
		return
	}
	m.PackageInstallsTotal.WithLabelValues(status).Inc()
}

// RecordPublished counts one published result file.
func (m *MetricsCollector) RecordPublished() {
	if m == nil {
		return
	}
	m.PublishedFilesTotal.Inc()
}
