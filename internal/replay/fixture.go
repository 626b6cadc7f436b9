package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/danielpatrickdp/enzyme-grpo/internal/reward"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a rescore fixture: completions
// recorded during training plus the stability predictions that were made for
// their candidate sequences.
type Fixture struct {
	Description string             `json:"description"`
	Predictions map[string]float64 `json:"predictions"`
	Samples     []FixtureSample    `json:"samples"`
}

// FixtureSample is one recorded completion. ExpectedReward is optional; when
// present the rescored total is compared against it.
type FixtureSample struct {
	ID                 string   `json:"id"`
	Prompt             string   `json:"prompt"`
	Completion         string   `json:"completion"`
	ReferenceSequence  string   `json:"reference_sequence"`
	ReferenceStability float64  `json:"reference_stability"`
	ExpectedReward     *float64 `json:"expected_reward,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToSample converts a FixtureSample to a reward.Sample.
func (fs *FixtureSample) ToSample() reward.Sample {
	return reward.Sample{
		Prompt:             fs.Prompt,
		Completion:         fs.Completion,
		ReferenceSequence:  fs.ReferenceSequence,
		ReferenceStability: fs.ReferenceStability,
	}
}

// ToSamples converts every fixture sample.
func (f *Fixture) ToSamples() []reward.Sample {
	out := make([]reward.Sample, len(f.Samples))
	for i := range f.Samples {
		out[i] = f.Samples[i].ToSample()
	}
	return out
}

// UpdateExpected overwrites each sample's expected reward with the rescored
// total. results must be aligned with f.Samples.
func (f *Fixture) UpdateExpected(results []Result) error {
	if len(results) != len(f.Samples) {
		return fmt.Errorf("%d results for %d samples", len(results), len(f.Samples))
	}
	for i := range f.Samples {
		total := results[i].Components.Total
		f.Samples[i].ExpectedReward = &total
	}
	return nil
}

// #endregion fixture-loader

// #region recorded-predictor

// ErrNotRecorded is returned for a sequence the fixture has no prediction for.
var ErrNotRecorded = errors.New("no recorded prediction")

// RecordedPredictor answers stability predictions from a fixture's table so
// that rescoring needs no live model.
type RecordedPredictor map[string]float64

func (p RecordedPredictor) Predict(_ context.Context, _ int, sequence string) (float64, error) {
	v, ok := p[sequence]
	if !ok {
		return 0, fmt.Errorf("%w for %q", ErrNotRecorded, sequence)
	}
	return v, nil
}

func (p RecordedPredictor) ReleaseScratch(context.Context, int) error {
	return nil
}

// #endregion recorded-predictor
