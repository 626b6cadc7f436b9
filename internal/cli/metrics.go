package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/enzyme-grpo/internal/ledger"
	"github.com/danielpatrickdp/enzyme-grpo/internal/tracking"
)

// MetricsOptions holds flags for the metrics command.
type MetricsOptions struct {
	*RootOptions
	RunID string
	Key   string
}

// NewMetricsCommand creates the metrics command.
func NewMetricsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MetricsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print the logged history of one tracking metric",
		Long: `Print every value the coordinator logged for a metric key, in step order.
Evaluation metrics carry the eval/ prefix.

Examples:
  grpo metrics --key reward
  grpo metrics --key eval/reward --run 5f0c... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetrics(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID (defaults to the newest run)")
	cmd.Flags().StringVar(&opts.Key, "key", "reward", "metric key")

	return cmd
}

func runMetrics(opts *MetricsOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer store.Close()

	runID := opts.RunID
	if runID == "" {
		runs, err := store.Runs()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read ledger", err)
		}
		if len(runs) == 0 {
			return NewExitError(ExitCommandError, "no runs recorded")
		}
		runID = runs[0].RunID
	}

	points, err := tracking.History(store.DB(), runID, opts.Key)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read metrics", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), points)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s (run %s)\n", opts.Key, runID)
	for _, p := range points {
		fmt.Fprintf(w, "%8d  %.6f\n", p.Step, p.Value)
	}
	return nil
}
