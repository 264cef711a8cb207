// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and health checks for Fundi. All components are optional and nil-safe —
// when disabled, recording helpers skip with a single nil check.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/fundi/internal/config"
)

// Observability is the top-level facade holding all observability
// components. Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability instance from config. Returns nil when the
// config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	// Health checker is always created; checks are added by the caller.
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// MetricsOrNil returns the metrics collector, or nil when disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the OTel tracer setup, or nil when disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// --- Nil-safe recording helpers ---

// RecordTestRun records a pipeline test run.
func (m *MetricsCollector) RecordTestRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.TestRunsTotal.WithLabelValues(status).Inc()
	m.TestRunDuration.Observe(seconds)
}

// RecordPublish records an image publish attempt.
func (m *MetricsCollector) RecordPublish(status string) {
	if m == nil {
		return
	}
	m.PublishesTotal.WithLabelValues(status).Inc()
}

// RecordFix records one fix agent run.
func (m *MetricsCollector) RecordFix(mode, status string, seconds float64) {
	if m == nil {
		return
	}
	m.FixesTotal.WithLabelValues(mode, status).Inc()
	m.FixDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordSandboxExec records one container-engine command.
func (m *MetricsCollector) RecordSandboxExec(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.SandboxExecutionsTotal.WithLabelValues(operation, status).Inc()
	m.SandboxExecutionDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordWatchRun records one scheduled watch run.
func (m *MetricsCollector) RecordWatchRun(status string) {
	if m == nil {
		return
	}
	m.WatchRunsTotal.WithLabelValues(status).Inc()
}
