package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/app"
)

var (
	runEvery time.Duration
	runLoop  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync and scrape concurrently, then reconcile",
	Long: `Run one full pipeline pass under the run lock: the catalog sync and the
event scrape run concurrently, then the reconciler processes the new events.

With --every (or --loop, which uses run.interval from the config) the pass
repeats until the process is interrupted.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
		interval := runEvery
		if interval <= 0 && runLoop {
			interval = a.Config().Run.Interval.Duration
		}
		if interval > 0 {
			err := a.Orchestrator.RunLoop(ctx, interval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		rep, err := a.Orchestrator.Run(ctx)
		printf(cmd, "run:        %s\n", rep.RunID)
		printf(cmd, "duration:   %s\n", rep.Duration.Round(time.Millisecond))
		printf(cmd, "markets:    %d\n", rep.MarketsAdded)
		printf(cmd, "events:     %d\n", rep.FillsAdded)
		printReconcile(cmd, rep.Reconcile)
		return err
	}),
}

func init() {
	runCmd.Flags().DurationVar(&runEvery, "every", 0, "repeat the run at this interval")
	runCmd.Flags().BoolVar(&runLoop, "loop", false, "repeat the run at run.interval")
}

// RunCommand returns the run command for registration
func RunCommand() *cobra.Command {
	return runCmd
}
