package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/enzyme-grpo/internal/checkpoint"
	"github.com/danielpatrickdp/enzyme-grpo/internal/config"
	"github.com/danielpatrickdp/enzyme-grpo/internal/dataset"
	"github.com/danielpatrickdp/enzyme-grpo/internal/ledger"
	"github.com/danielpatrickdp/enzyme-grpo/internal/policy"
	"github.com/danielpatrickdp/enzyme-grpo/internal/predictor"
	"github.com/danielpatrickdp/enzyme-grpo/internal/reward"
	"github.com/danielpatrickdp/enzyme-grpo/internal/scorecache"
	"github.com/danielpatrickdp/enzyme-grpo/internal/scorer"
	"github.com/danielpatrickdp/enzyme-grpo/internal/tracking"
	"github.com/danielpatrickdp/enzyme-grpo/internal/trainer"
)

// #region command
// NewTrainCommand creates the train command.
func NewTrainCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run GRPO training for this rank",
		Long: `Run the training loop for one rank. Every rank runs this command; rank 0 is
the coordinator and is the only one that writes checkpoints, the run ledger and
tracking metrics.

The policy worker for this rank is reached at services.policy_addr and the
stability predictor (usually the gateway) at services.predictor_addr.

Exit codes:
  0 - Training completed and the final model was exported
  1 - Training failed (an emergency checkpoint was attempted)
  2 - Command error (bad config, unreadable records, unreachable service)

Examples:
  RANK=0 WORLD_SIZE=2 NUM_DEVICES=3 grpo train --config run.yaml
  GRPO_RESUME_DIR=old_run/checkpoints grpo train`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(rootOpts, cmd)
		},
	}
	return cmd
}
// #endregion command

// #region run
func runTrain(rootOpts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	topo := cfg.Topology()
	role := topo.Role()
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, rootOpts.Verbose, role).With("rank", topo.Rank)

	examples, report, err := loadCorpus(cfg, logger)
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		return WrapExitError(ExitCommandError, "no usable training examples", trainer.ErrEmptyCorpus)
	}
	trainSet, evalSet := splitEval(examples, cfg.Training.EvalExamples)
	logger.Info("corpus ready", "train", len(trainSet), "eval", len(evalSet), "malformed", report.Corpus.Malformed, "too_long", report.Corpus.TooLong)

	var (
		sink     tracking.Sink = tracking.Nop{}
		recorder checkpoint.Recorder
		store    *ledger.Store
		runID    string
	)
	if role.IsCoordinator() {
		store, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open ledger", err)
		}
		defer func() {
			if cerr := store.Close(); cerr != nil {
				logger.Error("error closing ledger", "error", cerr)
			}
		}()
		snapshot, err := json.Marshal(cfg)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to snapshot config", err)
		}
		run, err := store.StartRun(topo.WorldSize, string(snapshot))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start run", err)
		}
		runID = run.RunID
		sink = tracking.NewSQLSink(store.DB(), runID, logger)
		recorder = store
		logger.Info("run started", "run_id", runID)
	}
	sink = tracking.ForRole(role, sink)

	sc, closeScorer, err := openScorer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeScorer()

	pol, err := policy.NewClient(cfg.Services.PolicyAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to policy worker", err)
	}
	defer pol.Close()
	worker := pol.WithParams(cfg.Policy)

	ck, err := checkpoint.New(worker, checkpoint.Options{
		Root:      cfg.CheckpointDir(),
		ExportDir: cfg.Checkpoint.OutputDir,
		Frequency: cfg.Checkpoint.Every,
		Keep:      cfg.Checkpoint.Keep,
		Role:      role,
		RunID:     runID,
		Config:    cfg,
		Recorder:  recorder,
		Logger:    logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid checkpoint settings", err)
	}

	tr := trainer.New(trainSet, worker, reward.NewAggregator(sc, logger), ck, sink, trainer.Options{
		Epochs:         cfg.Training.Epochs,
		BatchSize:      cfg.Training.BatchSize,
		NumGenerations: cfg.Training.NumGenerations,
		LogEvery:       cfg.Training.LogEvery,
		EvalEvery:      cfg.Training.EvalEvery,
		Seed:           cfg.Data.Seed,
		Rank:           topo.Rank,
		WorldSize:      topo.WorldSize,
		ResumeDir:      cfg.ResumeDir(),
		Eval:           evalSet,
		Logger:         logger,
	})

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := tr.Run(ctx)

	if store != nil {
		status := ledger.StatusCompleted
		if runErr != nil {
			status = ledger.StatusFailed
		}
		if err := store.FinishRun(runID, status, runErr); err != nil {
			logger.Error("failed to finish run", "run_id", runID, "error", err)
		}
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "training failed", runErr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Training complete at step %d (epoch %.2f).\n", tr.Progress().GlobalStep, tr.Progress().Epoch)
	return nil
}
// #endregion run

// #region wiring
// openScorer connects to the predictor and builds the scorer pinned to the
// scorer device. Predicted scores are cached in badger when a cache directory
// is configured, one directory per rank, and in memory otherwise.
func openScorer(cfg config.Config, logger *slog.Logger) (*scorer.Scorer, func(), error) {
	topo := cfg.Topology()

	pred, err := predictor.NewClient(cfg.Services.PredictorAddr)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to connect to stability predictor", err)
	}
	closers := []func() error{pred.Close}

	var cache scorer.Cache = scorer.NewMemoryCache()
	if cfg.Services.ScoreCacheDir != "" {
		dir := filepath.Join(cfg.Services.ScoreCacheDir, fmt.Sprintf("rank-%d", topo.Rank))
		bc, err := scorecache.Open(dir)
		if err != nil {
			_ = pred.Close()
			return nil, nil, WrapExitError(ExitCommandError, "failed to open score cache", err)
		}
		cache = bc
		closers = append(closers, bc.Close)
	}

	sc, err := scorer.New(pred, topo.Scorer(), topo.TrainingDevices(), cache, logger)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}
	if err != nil {
		closeAll()
		return nil, nil, WrapExitError(ExitCommandError, "invalid scorer device", err)
	}
	return sc, closeAll, nil
}

// splitEval holds out the last n examples for evaluation. n outside
// (0, len) disables evaluation.
func splitEval(examples []dataset.Example, n int) (train, eval []dataset.Example) {
	if n <= 0 || n >= len(examples) {
		return examples, nil
	}
	cut := len(examples) - n
	return examples[:cut], examples[cut:]
}
// #endregion wiring
