package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"

	"github.com/danielpatrickdp/enzyme-grpo/internal/checkpoint"
	"github.com/danielpatrickdp/enzyme-grpo/internal/dataset"
	"github.com/danielpatrickdp/enzyme-grpo/internal/policy"
	"github.com/danielpatrickdp/enzyme-grpo/internal/reward"
	"github.com/danielpatrickdp/enzyme-grpo/internal/tracking"
)

// #region interfaces
// Policy is this rank's policy worker. *policy.Client satisfies it.
type Policy interface {
	Generate(ctx context.Context, prompts []string, n int) ([][]string, error)
	Step(ctx context.Context, r policy.StepRequest) (map[string]float64, error)
	LoadAdapter(ctx context.Context, dir string) error
}

// Rewarder scores completions. *reward.Aggregator satisfies it.
type Rewarder interface {
	Score(ctx context.Context, samples []reward.Sample) []reward.Components
}

// Checkpointer persists progress. *checkpoint.Manager satisfies it.
type Checkpointer interface {
	OnStep(ctx context.Context, p checkpoint.Progress) (string, error)
	OnFatal(ctx context.Context, p checkpoint.Progress) error
	ExportFinal(ctx context.Context, p checkpoint.Progress) (string, error)
}
// #endregion interfaces

// #region errors
// ErrEmptyCorpus is returned by Run when there is nothing to train on.
var ErrEmptyCorpus = errors.New("training corpus is empty")

// FatalError is returned when the training loop fails. EmergencyErr is the
// outcome of the single emergency save attempted on the way out.
type FatalError struct {
	Err          error
	GlobalStep   int
	EmergencyErr error
}

func (e *FatalError) Error() string {
	if e.EmergencyErr != nil {
		return fmt.Sprintf("training failed at step %d: %v (emergency checkpoint failed: %v)", e.GlobalStep, e.Err, e.EmergencyErr)
	}
	return fmt.Sprintf("training failed at step %d: %v", e.GlobalStep, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
// #endregion errors

// #region options
// Options configures the loop.
type Options struct {
	Epochs         int
	BatchSize      int
	NumGenerations int
	LogEvery       int
	EvalEvery      int
	Seed           int64
	Rank           int
	WorldSize      int
	ResumeDir      string
	Eval           []dataset.Example
	Logger         *slog.Logger
}
// #endregion options

// #region trainer
// Trainer drives epochs and steps for one rank.
type Trainer struct {
	corpus   []dataset.Example
	policy   Policy
	rewarder Rewarder
	ckpt     Checkpointer
	sink     tracking.Sink
	opts     Options
	logger   *slog.Logger

	progress           checkpoint.Progress
	checkpointFailures int
}

// New builds a Trainer. sink should already be gated by role.
func New(corpus []dataset.Example, p Policy, r Rewarder, ck Checkpointer, sink tracking.Sink, opts Options) *Trainer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WorldSize <= 0 {
		opts.WorldSize = 1
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 1
	}
	if sink == nil {
		sink = tracking.Nop{}
	}
	return &Trainer{
		corpus:   corpus,
		policy:   p,
		rewarder: r,
		ckpt:     ck,
		sink:     sink,
		opts:     opts,
		logger:   opts.Logger.With("component", "trainer", "rank", opts.Rank),
	}
}

// Progress returns the current training position.
func (t *Trainer) Progress() checkpoint.Progress {
	return t.progress
}

// Run resumes from the latest checkpoint if any, trains to completion and
// exports the final model. Any error or panic escaping the loop triggers
// exactly one emergency checkpoint and is returned as a *FatalError.
func (t *Trainer) Run(ctx context.Context) error {
	if len(t.corpus) == 0 {
		return ErrEmptyCorpus
	}
	t.resume(ctx)

	if err := t.guardedLoop(ctx); err != nil {
		return t.fatal(ctx, err)
	}

	path, err := t.ckpt.ExportFinal(ctx, t.progress)
	if err != nil {
		return fmt.Errorf("export final model: %w", err)
	}
	if path != "" {
		t.logger.Info("final model exported", "path", path)
	}
	t.logger.Info("training complete", "global_step", t.progress.GlobalStep, "epoch", t.progress.Epoch)
	return nil
}

func (t *Trainer) guardedLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in training loop", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.loop(ctx)
}

func (t *Trainer) fatal(ctx context.Context, cause error) error {
	t.logger.Error("training interrupted", "global_step", t.progress.GlobalStep, "error", cause)
	saveErr := t.ckpt.OnFatal(context.WithoutCancel(ctx), t.progress)
	if saveErr != nil {
		t.logger.Error("emergency checkpoint failed", "error", saveErr)
	}
	return &FatalError{Err: cause, GlobalStep: t.progress.GlobalStep, EmergencyErr: saveErr}
}
// #endregion trainer

// #region resume
func (t *Trainer) resume(ctx context.Context) {
	if t.opts.ResumeDir == "" {
		return
	}
	dir, err := checkpoint.Latest(t.opts.ResumeDir)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			t.logger.Info("no checkpoint to resume from", "dir", t.opts.ResumeDir)
		} else {
			t.logger.Warn("resume lookup failed, starting fresh", "error", err)
		}
		return
	}
	meta, err := checkpoint.LoadMetadata(dir)
	if err != nil {
		t.logger.Warn("resume metadata unreadable, starting fresh", "checkpoint", dir, "error", err)
		return
	}
	if err := t.policy.LoadAdapter(ctx, filepath.Join(dir, checkpoint.AdapterDir)); err != nil {
		t.logger.Warn("adapter restore failed, starting fresh", "checkpoint", dir, "error", err)
		return
	}
	t.progress = meta.Progress()
	t.logger.Info("resumed", "checkpoint", dir, "global_step", t.progress.GlobalStep, "epoch", t.progress.Epoch)
}
// #endregion resume
