package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/enzyme-grpo/internal/checkpoint"
	"github.com/danielpatrickdp/enzyme-grpo/internal/ledger"
)

// CheckpointsOptions holds flags for the checkpoints command.
type CheckpointsOptions struct {
	*RootOptions
	RunID string
	All   bool
}

// CheckpointsReport is the output of the checkpoints command.
type CheckpointsReport struct {
	Run         *ledger.Run              `json:"run,omitempty"`
	Checkpoints []ledger.CheckpointEntry `json:"checkpoints"`
	ResumeFrom  string                   `json:"resume_from,omitempty"`
	ResumeStep  int                      `json:"resume_step,omitempty"`
}

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List checkpoints recorded in the run ledger",
		Long: `List the checkpoints the coordinator recorded for a run, newest run by
default, and show which checkpoint the next train would resume from.

Examples:
  grpo checkpoints --config run.yaml
  grpo checkpoints --run 5f0c... --all`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoints(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID (defaults to the newest run)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "include checkpoints removed by retention")

	return cmd
}

func runCheckpoints(opts *CheckpointsOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer store.Close()

	report, err := buildCheckpointsReport(store, opts.RunID, opts.All)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}

	dir, err := checkpoint.Latest(cfg.ResumeDir())
	switch {
	case err == nil:
		report.ResumeFrom = dir
		if meta, merr := checkpoint.LoadMetadata(dir); merr == nil {
			report.ResumeStep = meta.GlobalStep
		}
	case !errors.Is(err, checkpoint.ErrNoCheckpoint):
		return WrapExitError(ExitCommandError, "failed to scan checkpoints", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	printCheckpointsReport(cmd.OutOrStdout(), report)
	return nil
}

func buildCheckpointsReport(store *ledger.Store, runID string, all bool) (CheckpointsReport, error) {
	runs, err := store.Runs()
	if err != nil {
		return CheckpointsReport{}, err
	}

	var report CheckpointsReport
	for i := range runs {
		if runID == "" || runs[i].RunID == runID {
			report.Run = &runs[i]
			break
		}
	}
	if report.Run == nil {
		if runID != "" {
			return CheckpointsReport{}, fmt.Errorf("run %s: %w", runID, ledger.ErrUnknownRun)
		}
		return report, nil
	}

	report.Checkpoints, err = store.Checkpoints(report.Run.RunID, all)
	if err != nil {
		return CheckpointsReport{}, err
	}
	return report, nil
}

func printCheckpointsReport(w io.Writer, r CheckpointsReport) {
	if r.Run == nil {
		fmt.Fprintln(w, "No runs recorded.")
	} else {
		fmt.Fprintf(w, "Run %s: %s, world size %d, started %s\n",
			r.Run.RunID, r.Run.Status, r.Run.WorldSize, r.Run.StartedAt.Format("2006-01-02 15:04:05"))
		if r.Run.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Run.Error)
		}
		fmt.Fprintln(w)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tNAME\tSTEP\tEPOCH\tBEST\tSTATE")
		for _, c := range r.Checkpoints {
			best := "-"
			if c.BestMetric != nil {
				best = fmt.Sprintf("%.4f", *c.BestMetric)
			}
			state := "live"
			if c.Pruned {
				state = "removed"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%s\t%s\n", c.Kind, c.Name, c.GlobalStep, c.Epoch, best, state)
		}
		tw.Flush()
	}

	if r.ResumeFrom != "" {
		fmt.Fprintf(w, "\nNext train resumes from %s (step %d).\n", r.ResumeFrom, r.ResumeStep)
	} else {
		fmt.Fprintln(w, "\nNo checkpoint to resume from.")
	}
}
