package replay

import (
	"context"
	"math"

	"github.com/danielpatrickdp/enzyme-grpo/internal/reward"
)

// Tolerance is the largest difference between a rescored and an expected
// reward that still counts as a match.
const Tolerance = 1e-9

// #region types
// Rescorer scores completions. *reward.Aggregator satisfies it.
type Rescorer interface {
	Score(ctx context.Context, samples []reward.Sample) []reward.Components
}

// Result captures the outcome of rescoring one recorded completion.
type Result struct {
	ID         string
	Components reward.Components
	Expected   *float64
}

// Checked reports whether the sample carried an expected reward.
func (r Result) Checked() bool {
	return r.Expected != nil
}

// Match reports whether the rescored total agrees with the expectation.
// Unchecked results always match.
func (r Result) Match() bool {
	if r.Expected == nil {
		return true
	}
	return math.Abs(r.Components.Total-*r.Expected) <= Tolerance
}

// Summary provides aggregate stats from a rescore run.
type Summary struct {
	Total    int               `json:"total"`
	Checked  int               `json:"checked"`
	Matches  int               `json:"matches"`
	Diverged int               `json:"diverged"`
	Rewards  reward.BatchStats `json:"rewards"`
}

// #endregion types

// #region replay
// Replay scores every fixture sample through r in one batch and pairs each
// result with its expectation.
func Replay(ctx context.Context, r Rescorer, f *Fixture) []Result {
	comps := r.Score(ctx, f.ToSamples())
	results := make([]Result, len(comps))
	for i, c := range comps {
		results[i] = Result{
			ID:         f.Samples[i].ID,
			Components: c,
			Expected:   f.Samples[i].ExpectedReward,
		}
	}
	return results
}

// Summarize computes aggregate stats from rescore results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	comps := make([]reward.Components, len(results))
	for i, r := range results {
		comps[i] = r.Components
		if !r.Checked() {
			continue
		}
		s.Checked++
		if r.Match() {
			s.Matches++
		} else {
			s.Diverged++
		}
	}
	s.Rewards = reward.Summarize(comps)
	return s
}

// #endregion replay
