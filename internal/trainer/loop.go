package trainer

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/enzyme-grpo/internal/dataset"
	"github.com/danielpatrickdp/enzyme-grpo/internal/policy"
	"github.com/danielpatrickdp/enzyme-grpo/internal/reward"
)

// #region loop
func (t *Trainer) loop(ctx context.Context) error {
	steps := dataset.StepsPerEpoch(len(t.corpus), t.opts.WorldSize, t.opts.BatchSize)
	startEpoch := t.progress.GlobalStep / steps
	skip := t.progress.GlobalStep % steps

	for epoch := startEpoch; epoch < t.opts.Epochs; epoch++ {
		batches := t.epochBatches(epoch)
		t.logger.Info("epoch start", "epoch", epoch, "steps", steps, "batches", len(batches))

		for s := 0; s < steps; s++ {
			if epoch == startEpoch && s < skip {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			batch := batches[s%len(batches)]
			metrics, err := t.step(ctx, batch)
			if err != nil {
				return fmt.Errorf("step %d: %w", t.progress.GlobalStep+1, err)
			}
			t.advance(steps, metrics["reward"])
			metrics["epoch"] = t.progress.Epoch
			metrics["checkpoint_failures"] = float64(t.checkpointFailures)

			if t.progress.GlobalStep%t.opts.LogEvery == 0 {
				if err := t.sink.Log(t.progress.GlobalStep, metrics); err != nil {
					t.logger.Warn("tracking log failed", "error", err)
				}
			}
			if _, err := t.ckpt.OnStep(ctx, t.progress); err != nil {
				t.checkpointFailures++
			}
			if t.opts.EvalEvery > 0 && len(t.opts.Eval) > 0 && t.progress.GlobalStep%t.opts.EvalEvery == 0 {
				if err := t.evaluate(ctx); err != nil {
					return fmt.Errorf("eval at step %d: %w", t.progress.GlobalStep, err)
				}
			}
		}
	}
	return nil
}

// epochBatches returns this rank's batches for epoch. A rank whose shard is
// empty reuses one example so that every rank steps in lockstep.
func (t *Trainer) epochBatches(epoch int) [][]dataset.Example {
	order := dataset.EpochOrder(t.corpus, t.opts.Seed, epoch)
	batches := dataset.Batches(dataset.Shard(order, t.opts.Rank, t.opts.WorldSize), t.opts.BatchSize)
	if len(batches) == 0 {
		batches = [][]dataset.Example{{order[t.opts.Rank%len(order)]}}
	}
	return batches
}

func (t *Trainer) advance(stepsPerEpoch int, meanReward float64) {
	t.progress.GlobalStep++
	t.progress.Epoch = float64(t.progress.GlobalStep) / float64(stepsPerEpoch)
	if t.progress.BestMetric == nil || meanReward > *t.progress.BestMetric {
		best := meanReward
		t.progress.BestMetric = &best
	}
}
// #endregion loop

// #region step
func (t *Trainer) step(ctx context.Context, batch []dataset.Example) (map[string]float64, error) {
	prompts, groups, comps, err := t.rollout(ctx, batch)
	if err != nil {
		return nil, err
	}

	rewards := make([][]float64, len(groups))
	k := 0
	for i, g := range groups {
		rewards[i] = make([]float64, len(g))
		for j := range g {
			rewards[i][j] = comps[k].Total
			k++
		}
	}

	stepMetrics, err := t.policy.Step(ctx, policy.StepRequest{
		GlobalStep:  t.progress.GlobalStep + 1,
		Prompts:     prompts,
		Completions: groups,
		Rewards:     rewards,
	})
	if err != nil {
		return nil, err
	}

	metrics := reward.Summarize(comps).Metrics("")
	for name, v := range stepMetrics {
		metrics[name] = v
	}
	return metrics, nil
}

// rollout generates completions for batch and scores them. comps is flattened
// in group order.
func (t *Trainer) rollout(ctx context.Context, batch []dataset.Example) ([]string, [][]string, []reward.Components, error) {
	prompts := make([]string, len(batch))
	for i, ex := range batch {
		prompts[i] = ex.Prompt
	}
	groups, err := t.policy.Generate(ctx, prompts, t.opts.NumGenerations)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(groups) != len(batch) {
		return nil, nil, nil, fmt.Errorf("generate returned %d groups for %d prompts", len(groups), len(batch))
	}

	var samples []reward.Sample
	for i, ex := range batch {
		for _, c := range groups[i] {
			samples = append(samples, reward.Sample{
				Prompt:             ex.Prompt,
				Completion:         c,
				ReferenceSequence:  ex.ReferenceSequence,
				ReferenceStability: ex.ReferenceStability,
			})
		}
	}
	return prompts, groups, t.rewarder.Score(ctx, samples), nil
}

func (t *Trainer) evaluate(ctx context.Context) error {
	var all []reward.Components
	for _, batch := range dataset.Batches(t.opts.Eval, t.opts.BatchSize) {
		_, _, comps, err := t.rollout(ctx, batch)
		if err != nil {
			return err
		}
		all = append(all, comps...)
	}
	if err := t.sink.LogEval(t.progress.GlobalStep, reward.Summarize(all).Metrics("")); err != nil {
		t.logger.Warn("tracking eval log failed", "error", err)
	}
	return nil
}
// #endregion step
