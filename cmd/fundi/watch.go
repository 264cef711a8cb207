package main

import (
	"github.com/spf13/cobra"

	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/scheduler"
)

var (
	watchSchedule string
	watchFix      bool
	watchMaxRuns  int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the test suite on a cron schedule, fixing failures automatically",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", `cron schedule (default "*/30 * * * *")`)
	watchCmd.Flags().BoolVar(&watchFix, "fix", false, "run the fix agent when tests fail")
	watchCmd.Flags().IntVar(&watchMaxRuns, "max-runs", 0, "stop after this many runs (0 = unbounded)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	c, err := initShared()
	if err != nil {
		return err
	}
	defer c.Cleanup()

	watchCfg := c.Config.Watch
	if watchCfg == nil {
		watchCfg = &config.WatchConfig{}
	}
	if cmd.Flags().Changed("schedule") {
		watchCfg.Schedule = watchSchedule
	}
	if cmd.Flags().Changed("fix") {
		watchCfg.FixOnFailure = watchFix
	}
	if cmd.Flags().Changed("max-runs") {
		watchCfg.MaxRuns = watchMaxRuns
	}

	watcher, err := scheduler.New(c.Pipeline, c.Logger, watchCfg, sourceDir)
	if err != nil {
		return err
	}
	watcher.WithMetrics(c.Obs.MetricsOrNil())

	if watchCfg.FixOnFailure {
		orchestrator, err := c.newFixOrchestrator()
		if err != nil {
			return err
		}
		watcher.WithFixer(orchestrator, c.fixOptions(watchCfg.Output))
	}

	ctx, cancel := signalContext()
	defer cancel()

	stop := c.startStatusServer(ctx)
	defer stop()

	return watcher.Run(ctx)
}
