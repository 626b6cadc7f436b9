// Package wireformat holds the delimiter tokens shared by the prompt builder and
// the completion parser.
package wireformat

import "strings"

// Role-turn tokens understood by the policy model's chat template.
const (
	HeaderStart = "<|start_header_id|>"
	HeaderEnd   = "<|end_header_id|>"
	TurnEnd     = "<|eot_id|>"
)

// Span delimiters the model is instructed to emit.
const (
	ThinkStart  = "<think>"
	ThinkEnd    = "</think>"
	AnswerStart = "<answer>"
	AnswerEnd   = "</answer>"
	BoxedOpen   = `\boxed{`
	BoxedClose  = "}"
)

// Header renders the opening of a role turn.
func Header(role string) string {
	return HeaderStart + role + HeaderEnd
}

var scrubber = strings.NewReplacer(
	HeaderStart, "",
	HeaderEnd, "",
	TurnEnd, "",
	ThinkStart, "",
	ThinkEnd, "",
	AnswerStart, "",
	AnswerEnd, "",
	BoxedOpen, "",
)

// Scrub removes delimiter tokens from free text so that embedded record fields
// cannot forge or duplicate a marker in a rendered prompt.
func Scrub(s string) string {
	for {
		out := scrubber.Replace(s)
		if out == s {
			return out
		}
		s = out
	}
}
