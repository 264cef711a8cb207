package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Fundi.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Pipeline metrics.
	TestRunsTotal   *prometheus.CounterVec
	TestRunDuration prometheus.Histogram
	PublishesTotal  *prometheus.CounterVec

	// Fix metrics.
	FixesTotal  *prometheus.CounterVec
	FixDuration *prometheus.HistogramVec

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Watch loop metrics.
	WatchRunsTotal *prometheus.CounterVec

	// Status server metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed command executions.",
		}, []string{"operation", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed command duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"operation"}),

		TestRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "pipeline",
			Name:      "test_runs_total",
			Help:      "Total test suite runs.",
		}, []string{"status"}),

		TestRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "pipeline",
			Name:      "test_run_duration_seconds",
			Help:      "Test suite duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),

		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "pipeline",
			Name:      "publishes_total",
			Help:      "Total image publishes.",
		}, []string{"status"}),

		FixesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "fix",
			Name:      "runs_total",
			Help:      "Total fix agent runs.",
		}, []string{"mode", "status"}),

		FixDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "fix",
			Name:      "run_duration_seconds",
			Help:      "Fix agent run duration in seconds.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800},
		}, []string{"mode"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		WatchRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "watch",
			Name:      "runs_total",
			Help:      "Total scheduled watch runs.",
		}, []string{"status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status server requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fundi",
			Name:      "active_requests",
			Help:      "Number of currently active status server requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.TestRunsTotal,
		m.TestRunDuration,
		m.PublishesTotal,
		m.FixesTotal,
		m.FixDuration,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.WatchRunsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
