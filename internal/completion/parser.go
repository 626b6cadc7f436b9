package completion

import (
	"regexp"
	"strings"

	wf "github.com/danielpatrickdp/enzyme-grpo/internal/wireformat"
)

// #region types

// Parsed holds the fields extracted from one completion. Each field is
// independently optional.
type Parsed struct {
	Reasoning    string
	HasReasoning bool
	Sequence     string
	HasSequence  bool
}

// ReasoningWords returns the whitespace-delimited word count of the reasoning span.
func (p Parsed) ReasoningWords() int {
	return len(strings.Fields(p.Reasoning))
}

// #endregion types

// #region parse

var (
	thinkPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(wf.ThinkStart) + `(.*?)` + regexp.QuoteMeta(wf.ThinkEnd))
	boxedPattern = regexp.MustCompile(regexp.QuoteMeta(wf.BoxedOpen) + `(.*?)` + regexp.QuoteMeta(wf.BoxedClose))
)

// Parse extracts the first reasoning span and the first boxed value from text.
// A missing or malformed marker leaves the corresponding field absent.
func Parse(text string) Parsed {
	var p Parsed
	if m := thinkPattern.FindStringSubmatch(text); m != nil {
		p.Reasoning = m[1]
		p.HasReasoning = true
	}
	if m := boxedPattern.FindStringSubmatch(text); m != nil {
		p.Sequence = strings.TrimSpace(m[1])
		p.HasSequence = true
	}
	return p
}

// #endregion parse
