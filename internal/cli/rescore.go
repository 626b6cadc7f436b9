package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
	"github.com/danielpatrickdp/enzyme-grpo/internal/predictor"
	"github.com/danielpatrickdp/enzyme-grpo/internal/replay"
	"github.com/danielpatrickdp/enzyme-grpo/internal/reward"
	"github.com/danielpatrickdp/enzyme-grpo/internal/scorer"
)

// RescoreOptions holds flags for the rescore command.
type RescoreOptions struct {
	*RootOptions
	Live   bool
	Update bool
}

// RescoreReport is the output of the rescore command.
type RescoreReport struct {
	Results []RescoreRow   `json:"results"`
	Summary replay.Summary `json:"summary"`
}

// RescoreRow is one rescored completion.
type RescoreRow struct {
	ID        string   `json:"id"`
	Expected  *float64 `json:"expected,omitempty"`
	Reward    float64  `json:"reward"`
	Distance  int      `json:"distance"`
	Stability *float64 `json:"stability,omitempty"`
	Error     string   `json:"error,omitempty"`
	Match     bool     `json:"match"`
}

// NewRescoreCommand creates the rescore command.
func NewRescoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RescoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rescore <fixture.json>",
		Short: "Recompute rewards for recorded completions",
		Long: `Run recorded completions through the reward pipeline and compare each total
with the reward recorded in the fixture.

Stability predictions come from the fixture's prediction table unless --live
is given, in which case they are requested from services.predictor_addr.

Exit codes:
  0 - Every checked reward matches
  1 - At least one reward diverged
  2 - Command error (fixture not found, predictor unreachable, etc.)

Examples:
  grpo rescore testdata/session.json
  grpo rescore session.json --update
  grpo rescore session.json --live --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRescore(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Live, "live", false, "query the stability predictor instead of the recorded table")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "write the rescored rewards back into the fixture")

	return cmd
}

func runRescore(opts *RescoreOptions, path string, cmd *cobra.Command) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load fixture", err)
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, opts.Verbose, cluster.RoleCoordinator)
	topo := cfg.Topology()

	var pred scorer.Predictor = replay.RecordedPredictor(f.Predictions)
	if opts.Live {
		client, err := predictor.NewClient(cfg.Services.PredictorAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to stability predictor", err)
		}
		defer client.Close()
		pred = client
	}
	sc, err := scorer.New(pred, topo.Scorer(), topo.TrainingDevices(), scorer.NewMemoryCache(), logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid scorer device", err)
	}

	results := replay.Replay(cmd.Context(), reward.NewAggregator(sc, logger), f)
	summary := replay.Summarize(results)

	if opts.Update {
		if err := f.UpdateExpected(results); err != nil {
			return WrapExitError(ExitCommandError, "failed to update fixture", err)
		}
		if err := replay.WriteFixture(path, f); err != nil {
			return WrapExitError(ExitCommandError, "failed to write fixture", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %d expected rewards in %s\n", len(results), path)
		return nil
	}

	if opts.Format == "json" {
		if err := writeJSON(cmd.OutOrStdout(), RescoreReport{Results: toRows(results), Summary: summary}); err != nil {
			return err
		}
	} else {
		printComparison(cmd.OutOrStdout(), results, summary)
	}

	if summary.Diverged > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d rewards diverged", summary.Diverged, summary.Checked))
	}
	return nil
}

func toRows(results []replay.Result) []RescoreRow {
	rows := make([]RescoreRow, len(results))
	for i, r := range results {
		c := r.Components
		row := RescoreRow{ID: r.ID, Expected: r.Expected, Reward: c.Total, Distance: c.Distance, Match: r.Match()}
		if c.ScorerErr == nil && c.Parsed.HasSequence {
			v := c.Stability
			row.Stability = &v
		}
		if c.ScorerErr != nil {
			row.Error = c.ScorerErr.Error()
		} else if c.Fault != nil {
			row.Error = c.Fault.Error()
		}
		rows[i] = row
	}
	return rows
}

// printComparison outputs one line per completion and a summary.
func printComparison(w io.Writer, results []replay.Result, s replay.Summary) {
	fmt.Fprintf(w, "%-14s| %-10s| %-10s| %s\n", "Sample", "Expected", "Rescored", "Match")
	fmt.Fprintf(w, "%-14s+%-11s+%-11s+%s\n", "--------------", "-----------", "-----------", "------")

	for _, r := range results {
		exp := "-"
		if r.Expected != nil {
			exp = fmt.Sprintf("%.4f", *r.Expected)
		}
		match := "OK"
		switch {
		case !r.Checked():
			match = "-"
		case !r.Match():
			match = "DIFF"
		}
		fmt.Fprintf(w, "%-14s| %-10s| %-10.4f| %s\n", r.ID, exp, r.Components.Total, match)
	}

	fmt.Fprintf(w, "\nSummary: %d total, %d checked, %d match, %d diverge (mean reward %.4f, scorer failures %d)\n",
		s.Total, s.Checked, s.Matches, s.Diverged, s.Rewards.Mean, s.Rewards.ScorerFailure)
}
