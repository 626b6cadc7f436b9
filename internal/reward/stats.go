package reward

import "math"

// BatchStats summarizes one batch of rewards for tracking.
type BatchStats struct {
	Count         int     `json:"count"`
	Mean          float64 `json:"mean"`
	Std           float64 `json:"std"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	SequenceRate  float64 `json:"sequence_rate"`
	ImprovedRate  float64 `json:"improved_rate"`
	ScorerFailure int     `json:"scorer_failures"`
	Faults        int     `json:"faults"`
}

// Summarize computes BatchStats over comps. Empty input gives the zero value.
func Summarize(comps []Components) BatchStats {
	var st BatchStats
	if len(comps) == 0 {
		return st
	}
	st.Count = len(comps)
	st.Min = math.Inf(1)
	st.Max = math.Inf(-1)

	var sum, withSeq, improved float64
	for _, c := range comps {
		sum += c.Total
		st.Min = math.Min(st.Min, c.Total)
		st.Max = math.Max(st.Max, c.Total)
		if c.Parsed.HasSequence {
			withSeq++
		}
		if c.SignBonus > 0 {
			improved++
		}
		if c.ScorerErr != nil {
			st.ScorerFailure++
		}
		if c.Fault != nil {
			st.Faults++
		}
	}
	n := float64(st.Count)
	st.Mean = sum / n
	st.SequenceRate = withSeq / n
	st.ImprovedRate = improved / n

	var sq float64
	for _, c := range comps {
		d := c.Total - st.Mean
		sq += d * d
	}
	st.Std = math.Sqrt(sq / n)
	return st
}

// Metrics flattens the stats into tracking keys under prefix.
func (s BatchStats) Metrics(prefix string) map[string]float64 {
	return map[string]float64{
		prefix + "reward":             s.Mean,
		prefix + "reward_std":         s.Std,
		prefix + "reward_min":         s.Min,
		prefix + "reward_max":         s.Max,
		prefix + "sequence_extracted": s.SequenceRate,
		prefix + "stability_improved": s.ImprovedRate,
		prefix + "scorer_failures":    float64(s.ScorerFailure),
		prefix + "reward_faults":      float64(s.Faults),
	}
}
