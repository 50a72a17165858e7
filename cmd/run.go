package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/runner"
)

// newRunCmd creates the 'run' subcommand, which performs a single cycle.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fetch new articles once and exit",
		Args:  cobra.NoArgs,
		RunE:  runOnceCommand,
	}
}

func runOnceCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	res, err := appInstance.Runner().RunExclusive(cmd.Context(), news.TriggerOneShot)
	out := cmd.OutOrStdout()
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		fmt.Fprintln(out, "skipped: another fetch run is in progress")
		return nil
	case err != nil:
		return fmt.Errorf("run fetch: %w", err)
	}

	fmt.Fprintf(out, "%s: %s (run %s)\n", res.Status, res.Message(), res.RunID)
	if res.Status == news.RunStatusError {
		return fmt.Errorf("fetch run %s failed: %w", res.RunID, res.Err)
	}
	return nil
}
