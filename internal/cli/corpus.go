package cli

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
	"github.com/danielpatrickdp/enzyme-grpo/internal/config"
	"github.com/danielpatrickdp/enzyme-grpo/internal/dataset"
	"github.com/danielpatrickdp/enzyme-grpo/internal/enzyme"
)

// CorpusReport is the output of the corpus command.
type CorpusReport struct {
	Source enzyme.SourceStats `json:"source"`
	Corpus dataset.Stats      `json:"corpus"`
}

// NewCorpusCommand creates the corpus command.
func NewCorpusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Build the training corpus and report statistics",
		Long: `Load the keyed record file, keep entries that have a predicted structure and a
baseline stability, validate them, render prompts and drop over-long ones.

Nothing is written; the command reports what training would use.

Examples:
  grpo corpus --config run.yaml
  GRPO_RECORDS=data/records.json grpo corpus --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, rootOpts.Verbose, cluster.RoleCoordinator)
			_, report, err := loadCorpus(cfg, logger)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printCorpusReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	return cmd
}

// loadCorpus reads the source and builds the example set. The reaction
// sampled for each prompt is seeded from the config.
func loadCorpus(cfg config.Config, logger *slog.Logger) ([]dataset.Example, CorpusReport, error) {
	entries, src, err := enzyme.LoadSource(cfg.Data.Records, cfg.Data.Structures)
	if err != nil {
		return nil, CorpusReport{}, WrapExitError(ExitCommandError, "failed to load records", err)
	}
	logger.Info("source loaded", "total", src.Total, "kept", len(entries),
		"missing_structure", src.MissingStructure, "missing_stability", src.MissingStability)

	examples, st := dataset.Build(entries, dataset.Options{
		MaxPromptChars: cfg.Data.MaxPromptChars,
		Rng:            rand.New(rand.NewSource(cfg.Data.Seed)),
		Logger:         logger,
	})
	return examples, CorpusReport{Source: src, Corpus: st}, nil
}

func printCorpusReport(w io.Writer, r CorpusReport) {
	fmt.Fprintf(w, "Source records:      %d\n", r.Source.Total)
	fmt.Fprintf(w, "  missing structure: %d\n", r.Source.MissingStructure)
	fmt.Fprintf(w, "  missing stability: %d\n", r.Source.MissingStability)
	fmt.Fprintf(w, "  not an object:     %d\n", r.Source.NotAnObject)
	fmt.Fprintf(w, "Candidates:          %d\n", r.Corpus.Total)
	fmt.Fprintf(w, "  valid:             %d\n", r.Corpus.Valid)
	fmt.Fprintf(w, "  malformed:         %d\n", r.Corpus.Malformed)
	fmt.Fprintf(w, "  prompt too long:   %d\n", r.Corpus.TooLong)
	fmt.Fprintf(w, "Kept:                %d\n", r.Corpus.Kept)

	if r.Corpus.Kept > 0 {
		l := r.Corpus.Lengths
		fmt.Fprintf(w, "\nPrompt length (chars): mean %.1f, median %d, min %d, max %d\n", l.Mean, l.Median, l.Min, l.Max)
	}

	if len(r.Corpus.Rejects) > 0 {
		fields := make([]string, 0, len(r.Corpus.Rejects))
		for f := range r.Corpus.Rejects {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		fmt.Fprintln(w, "\nRejected by field:")
		for _, f := range fields {
			fmt.Fprintf(w, "  %-18s %d\n", f, r.Corpus.Rejects[f])
		}
	}
}
