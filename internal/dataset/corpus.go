// Package dataset turns validated enzyme records into the training corpus and
// hands each process its share of it per epoch.
package dataset

import (
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"unicode/utf8"

	"github.com/danielpatrickdp/enzyme-grpo/internal/enzyme"
	"github.com/danielpatrickdp/enzyme-grpo/internal/prompt"
)

// DefaultMaxPromptChars is the prompt ceiling used when none is configured.
const DefaultMaxPromptChars = 5000

// #region types

// Example is one training prompt and the reference it is rewarded against.
type Example struct {
	Key                string
	Prompt             string
	ReferenceSequence  string
	ReferenceStability float64
}

// LengthStats describes prompt lengths in characters.
type LengthStats struct {
	Mean   float64 `json:"mean"`
	Median int     `json:"median"`
	Min    int     `json:"min"`
	Max    int     `json:"max"`
}

// Stats reports what corpus construction kept and dropped.
type Stats struct {
	Total     int            `json:"total"`
	Valid     int            `json:"valid"`
	Malformed int            `json:"malformed"`
	TooLong   int            `json:"too_long"`
	Kept      int            `json:"kept"`
	Lengths   LengthStats    `json:"lengths"`
	Rejects   map[string]int `json:"rejects"`
}

// Options controls corpus construction. A nil Rng is seeded with 0.
type Options struct {
	MaxPromptChars int
	Rng            *rand.Rand
	Logger         *slog.Logger
}

// #endregion types

// #region build

// Build validates each entry, renders its prompt and drops prompts longer than
// the ceiling. Over-long prompts are excluded, never truncated.
func Build(entries []enzyme.Entry, opts Options) ([]Example, Stats) {
	if opts.MaxPromptChars <= 0 {
		opts.MaxPromptChars = DefaultMaxPromptChars
	}
	if opts.Rng == nil {
		opts.Rng = rand.New(rand.NewSource(0))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dataset")

	st := Stats{Total: len(entries), Rejects: map[string]int{}}
	out := make([]Example, 0, len(entries))
	lengths := make([]int, 0, len(entries))

	for _, e := range entries {
		rec, err := enzyme.Validate(e.Raw)
		if err != nil {
			st.Malformed++
			var re *enzyme.RejectError
			if errors.As(err, &re) {
				st.Rejects[re.Field]++
			}
			logger.Warn("dropping malformed record", "key", e.Key, "error", err)
			continue
		}
		st.Valid++

		p := prompt.Build(rec, enzyme.PickReaction(rec, opts.Rng))
		n := utf8.RuneCountInString(p)
		if n > opts.MaxPromptChars {
			st.TooLong++
			logger.Debug("dropping over-long prompt", "key", e.Key, "chars", n, "limit", opts.MaxPromptChars)
			continue
		}

		lengths = append(lengths, n)
		out = append(out, Example{
			Key:                e.Key,
			Prompt:             p,
			ReferenceSequence:  rec.Sequence,
			ReferenceStability: rec.BaselineStability,
		})
	}

	st.Kept = len(out)
	st.Lengths = lengthStats(lengths)
	logger.Info("corpus built", "total", st.Total, "valid", st.Valid, "malformed", st.Malformed, "too_long", st.TooLong, "kept", st.Kept)
	return out, st
}

func lengthStats(lengths []int) LengthStats {
	if len(lengths) == 0 {
		return LengthStats{}
	}
	sorted := append([]int(nil), lengths...)
	sort.Ints(sorted)

	sum := 0
	for _, n := range sorted {
		sum += n
	}
	return LengthStats{
		Mean:   float64(sum) / float64(len(sorted)),
		Median: sorted[len(sorted)/2],
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

// #endregion build
