package reward

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/danielpatrickdp/enzyme-grpo/internal/completion"
	"github.com/danielpatrickdp/enzyme-grpo/internal/scorer"
)

// #region constants

const (
	ReasoningWeight   = 0.3
	ReasoningTarget   = 4000.0
	ReasoningSpread   = 1000.0
	EditWeight        = 0.3
	MaxEditDistance   = 10
	ImprovementWeight = 0.3
	SignBonusWeight   = 1.0
)

// FaultPolicy names what the aggregator does when scoring one sample faults.
type FaultPolicy string

// KeepPartialOnFault keeps whatever terms had fired before the fault, logs
// and counts it, and moves to the next sample.
const KeepPartialOnFault FaultPolicy = "keep-partial-on-fault"

// #endregion constants

// #region types

// StabilityScorer is satisfied by *scorer.Scorer.
type StabilityScorer interface {
	RelativeStability(ctx context.Context, reference, candidate string, refStability float64) scorer.Result
}

// Sample is one (prompt, completion) pair plus the reference it is judged against.
type Sample struct {
	Prompt             string
	Completion         string
	ReferenceSequence  string
	ReferenceStability float64
}

// Components is the breakdown of one reward. Distance is -1 and Stability is
// NaN when the corresponding stage did not run.
type Components struct {
	Reasoning    float64
	EditDistance float64
	Improvement  float64
	SignBonus    float64
	Total        float64

	Parsed    completion.Parsed
	Distance  int
	Stability float64
	ScorerErr error
	Fault     error
}

func (c *Components) add(term *float64, v float64) {
	*term = v
	c.Total += v
}

// Counters are cumulative across batches.
type Counters struct {
	Samples         atomic.Int64
	ReasoningMisses atomic.Int64
	SequenceMisses  atomic.Int64
	ScorerFailures  atomic.Int64
	Faults          atomic.Int64
}

// #endregion types

// #region aggregator

// Aggregator turns completions into scalar rewards.
type Aggregator struct {
	scorer   StabilityScorer
	logger   *slog.Logger
	policy   FaultPolicy
	counters Counters
}

// NewAggregator builds an Aggregator using KeepPartialOnFault.
func NewAggregator(s StabilityScorer, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		scorer: s,
		logger: logger.With("component", "reward"),
		policy: KeepPartialOnFault,
	}
}

// Policy returns the fault policy in effect.
func (a *Aggregator) Policy() FaultPolicy {
	return a.policy
}

// Counters exposes the cumulative counters.
func (a *Aggregator) Counters() *Counters {
	return &a.counters
}

// Score returns exactly one Components per sample, in input order.
func (a *Aggregator) Score(ctx context.Context, samples []Sample) []Components {
	out := make([]Components, len(samples))
	for i, s := range samples {
		out[i] = a.scoreOne(ctx, i, s)
	}
	return out
}

// Rewards is Score reduced to the totals.
func (a *Aggregator) Rewards(ctx context.Context, samples []Sample) []float64 {
	comps := a.Score(ctx, samples)
	totals := make([]float64, len(comps))
	for i, c := range comps {
		totals[i] = c.Total
	}
	return totals
}

func (a *Aggregator) scoreOne(ctx context.Context, idx int, s Sample) (c Components) {
	a.counters.Samples.Add(1)
	c.Distance = -1
	c.Stability = math.NaN()

	defer func() {
		if r := recover(); r != nil {
			c.Fault = fmt.Errorf("reward fault: %v", r)
			a.counters.Faults.Add(1)
			a.logger.Error("reward computation fault, keeping partial reward",
				"sample", idx, "partial", c.Total, "error", c.Fault)
		}
	}()

	c.Parsed = completion.Parse(s.Completion)

	if c.Parsed.HasReasoning {
		c.add(&c.Reasoning, ReasoningWeight*ReasoningScore(c.Parsed.ReasoningWords()))
	} else {
		a.counters.ReasoningMisses.Add(1)
	}

	if !c.Parsed.HasSequence {
		a.counters.SequenceMisses.Add(1)
		return c
	}
	candidate := c.Parsed.Sequence

	c.Distance = Levenshtein(s.ReferenceSequence, candidate)
	if c.Distance <= MaxEditDistance {
		c.add(&c.EditDistance, EditWeight)
	}

	res := a.scorer.RelativeStability(ctx, s.ReferenceSequence, candidate, s.ReferenceStability)
	if !res.OK() {
		c.ScorerErr = res.Err
		a.counters.ScorerFailures.Add(1)
		return c
	}
	c.Stability = res.Value

	// Fires on any non-zero change, including a loss of stability.
	if res.Value != 0 {
		c.add(&c.Improvement, ImprovementWeight)
	}
	if res.Value > 0 {
		c.add(&c.SignBonus, SignBonusWeight)
	}

	a.logger.Debug("reward", "sample", idx, "total", c.Total, "distance", c.Distance, "stability", c.Stability)
	return c
}

// ReasoningScore is a Gaussian in the reasoning word count, peaking at 1 for
// ReasoningTarget words.
func ReasoningScore(words int) float64 {
	d := float64(words) - ReasoningTarget
	return math.Exp(-(d * d) / (2 * ReasoningSpread * ReasoningSpread))
}

// #endregion aggregator
