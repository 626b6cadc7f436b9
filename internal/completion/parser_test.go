package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_ReasoningInsideLargerText(t *testing.T) {
	p := Parse("preamble <think>ABC</think> trailing")
	assert.True(t, p.HasReasoning)
	assert.Equal(t, "ABC", p.Reasoning)
}

func TestParse_ReasoningAbsent(t *testing.T) {
	p := Parse("no markers here ABC</think>")
	assert.False(t, p.HasReasoning)
	assert.Empty(t, p.Reasoning)
}

func TestParse_ReasoningSpansLinesAndIsNonGreedy(t *testing.T) {
	p := Parse("<think>line one\nline two</think> and <think>second</think>")
	assert.Equal(t, "line one\nline two", p.Reasoning)
	assert.Equal(t, 4, p.ReasoningWords())
}

func TestParse_Boxed(t *testing.T) {
	assert.Equal(t, "XYZ", Parse(`\boxed{XYZ}`).Sequence)

	p := Parse(`answer: \boxed{ XYZ }`)
	assert.True(t, p.HasSequence)
	assert.Equal(t, "XYZ", p.Sequence)
}

func TestParse_FirstBoxedWins(t *testing.T) {
	assert.Equal(t, "AAA", Parse(`\boxed{AAA} then \boxed{BBB}`).Sequence)
}

func TestParse_BoxedAbsentOrUnterminated(t *testing.T) {
	assert.False(t, Parse("<answer>MKV</answer>").HasSequence)
	assert.False(t, Parse(`\boxed{MKV`).HasSequence)
	assert.False(t, Parse("\\boxed{MK\nV}").HasSequence, "boxed value does not span lines")
}

func TestParse_FieldsIndependent(t *testing.T) {
	p := Parse(`\boxed{MKV}`)
	assert.True(t, p.HasSequence)
	assert.False(t, p.HasReasoning)

	p = Parse("<think>x</think>")
	assert.True(t, p.HasReasoning)
	assert.False(t, p.HasSequence)
}

func TestParse_EmptyBoxedIsPresent(t *testing.T) {
	p := Parse(`\boxed{  }`)
	assert.True(t, p.HasSequence)
	assert.Equal(t, "", p.Sequence)
}
