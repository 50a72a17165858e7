package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/runner"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/scheduler"
)

// newScheduleCmd creates the 'schedule' subcommand: an initial run, then one
// run per configured interval until SIGINT or SIGTERM.
func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Fetch now and then on a fixed interval",
		Args:  cobra.NoArgs,
		RunE:  runScheduleCommand,
	}
}

func runScheduleCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	interval := appInstance.Config().Scheduler.Interval()
	out := cmd.OutOrStdout()

	report := func(res runner.Result, err error) {
		switch {
		case errors.Is(err, runner.ErrRunInProgress):
			fmt.Fprintln(out, "skipped: another fetch run is in progress")
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		default:
			fmt.Fprintf(out, "%s: %s (run %s)\n", res.Status, res.Message(), res.RunID)
		}
	}

	sched, err := scheduler.New(appInstance.Runner(), interval, report, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	sched.Start(cmd.Context())

	<-cmd.Context().Done()
	logger.Info("shutdown signal received, waiting for in-flight run", zap.Bool("running", sched.Running()))
	sched.Stop()
	return nil
}
