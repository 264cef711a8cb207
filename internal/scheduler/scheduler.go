// Package scheduler implements watch mode: a cron-scheduled loop that runs
// the project's test suite and, when the suite fails, hands the tree to the
// fix agent. Nothing is persisted between runs — each tick provisions a
// fresh environment exactly like a one-shot invocation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/fix"
	"github.com/jkaninda/fundi/internal/observability"
	"github.com/jkaninda/fundi/internal/testrun"
)

// Tester runs the suite against a source tree. Satisfied by *pipeline.Pipeline.
type Tester interface {
	Test(ctx context.Context, source string) (string, error)
}

// Fixer repairs a source tree. Satisfied by *fix.Orchestrator.
type Fixer interface {
	Fix(ctx context.Context, source string, opts fix.Options) (*fix.Result, error)
}

// Watcher runs the scheduled test-and-fix loop over one source tree.
type Watcher struct {
	tester  Tester
	logger  *slog.Logger
	source  string
	sched   cron.Schedule
	maxRuns int

	fixer   Fixer
	fixOpts fix.Options

	metrics *observability.MetricsCollector // nil = disabled
	now     func() time.Time
}

// New creates a Watcher. The schedule is parsed up front so an invalid
// expression fails before the first tick.
func New(tester Tester, logger *slog.Logger, cfg *config.WatchConfig, source string) (*Watcher, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.CronSchedule())
	if err != nil {
		return nil, fmt.Errorf("invalid watch schedule %q: %w", cfg.CronSchedule(), err)
	}

	var maxRuns int
	if cfg != nil {
		maxRuns = cfg.MaxRuns
	}

	return &Watcher{
		tester:  tester,
		logger:  logger,
		source:  source,
		sched:   sched,
		maxRuns: maxRuns,
		now:     time.Now,
	}, nil
}

// WithFixer enables automatic fixing on test failure.
func (w *Watcher) WithFixer(f Fixer, opts fix.Options) *Watcher {
	w.fixer = f
	w.fixOpts = opts
	return w
}

// WithMetrics attaches a metrics collector.
func (w *Watcher) WithMetrics(m *observability.MetricsCollector) *Watcher {
	w.metrics = m
	return w
}

// Run blocks, firing a test run at every scheduled time until ctx is
// canceled or the configured run bound is reached. Returns nil on a clean
// stop; individual run failures are handled per tick, never fatal.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watch started",
		slog.String("source", w.source),
		slog.Int("max_runs", w.maxRuns),
		slog.Bool("fix_on_failure", w.fixer != nil),
	)

	runs := 0
	for {
		next := w.sched.Next(w.now())
		timer := time.NewTimer(next.Sub(w.now()))

		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("watch stopped", slog.Int("runs", runs))
			return nil
		case <-timer.C:
		}

		w.runOnce(ctx)
		runs++

		if w.maxRuns > 0 && runs >= w.maxRuns {
			w.logger.Info("watch run bound reached", slog.Int("runs", runs))
			return nil
		}
	}
}

// runOnce executes a single tick: test, and fix on suite failure.
func (w *Watcher) runOnce(ctx context.Context) {
	start := w.now()
	w.logger.Info("watch run starting", slog.Time("scheduled", start))

	_, err := w.tester.Test(ctx, w.source)

	var failure *testrun.Failure
	switch {
	case err == nil:
		w.metrics.RecordWatchRun("passed")
		w.logger.Info("watch run passed", slog.Duration("duration", time.Since(start)))
		return
	case errors.As(err, &failure):
		w.metrics.RecordWatchRun("failed")
		w.logger.Warn("watch run failed", slog.String("error", failure.Error()))
	default:
		w.metrics.RecordWatchRun("error")
		w.logger.Error("watch run errored", slog.String("error", err.Error()))
		return
	}

	if w.fixer == nil {
		return
	}

	res, err := w.fixer.Fix(ctx, w.source, w.fixOpts)
	if err != nil {
		w.logger.Error("automatic fix failed", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("automatic fix completed",
		slog.String("summary", res.Summary),
		slog.String("directory", res.Directory),
	)
}
