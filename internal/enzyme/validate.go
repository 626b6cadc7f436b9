package enzyme

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/danielpatrickdp/enzyme-grpo/internal/wireformat"
)

// #region validate

// Validate coerces an untyped record into a Record. Missing optional fields fall
// back to documented defaults; a missing sequence or baseline stability is
// always rejected with a *RejectError. Validate never panics.
func Validate(raw map[string]any) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = Record{}
			err = &RejectError{Field: "record", Reason: fmt.Sprintf("unexpected shape: %v", r)}
		}
	}()

	if raw == nil {
		return Record{}, &RejectError{Field: "record", Reason: "nil record"}
	}

	seq, err := sequenceField(raw)
	if err != nil {
		return Record{}, err
	}
	stab, err := stabilityField(raw)
	if err != nil {
		return Record{}, err
	}

	return Record{
		Name:               textField(raw, "name", DefaultName),
		ECNumber:           textField(raw, "ec_number", DefaultECNumber),
		Sequence:           seq,
		GeneralInformation: textField(raw, "general_information", DefaultGeneralInformation),
		Reactions:          reactionsField(raw["reaction"]),
		MetalIons:          stringList(raw["metal_ions"]),
		Mutations:          mutationsField(raw["engineering"]),
		BaselineStability:  stab,
	}, nil
}

// PickReaction returns one of rec's reactions chosen uniformly with rng, or nil
// when the record has none.
func PickReaction(rec Record, rng *rand.Rand) *Reaction {
	if len(rec.Reactions) == 0 {
		return nil
	}
	rxn := rec.Reactions[rng.Intn(len(rec.Reactions))]
	return &rxn
}

// #endregion validate

// #region required-fields

// residues is the canonical amino-acid alphabet.
const residues = "ACDEFGHIKLMNPQRSTVWY"

func sequenceField(raw map[string]any) (string, error) {
	v, ok := raw["sequence"]
	if !ok || v == nil {
		return "", &RejectError{Field: "sequence", Reason: "missing"}
	}
	seq := strings.ToUpper(strings.TrimSpace(coerceString(v)))
	if seq == "" {
		return "", &RejectError{Field: "sequence", Reason: "empty"}
	}
	for i, r := range seq {
		if !strings.ContainsRune(residues, r) {
			return "", &RejectError{Field: "sequence", Reason: fmt.Sprintf("invalid residue %q at %d", r, i)}
		}
	}
	return seq, nil
}

func stabilityField(raw map[string]any) (float64, error) {
	v, ok := raw["orig_stab"]
	if !ok || v == nil {
		return 0, &RejectError{Field: "orig_stab", Reason: "missing"}
	}
	f, ok := coerceFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &RejectError{Field: "orig_stab", Reason: fmt.Sprintf("not a number: %v", v)}
	}
	return f, nil
}

// #endregion required-fields

// #region optional-fields

func textField(raw map[string]any, key, fallback string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return fallback
	}
	return cleanText(coerceString(v))
}

func reactionsField(v any) []Reaction {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Reaction
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Reaction{
			Substrates: stringList(m["substrates"]),
			Products:   stringList(m["products"]),
		})
	}
	return out
}

func mutationsField(v any) []Mutation {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Mutation
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Mutation{
			Notation: cleanText(optString(m["mutation"])),
			Effect:   cleanText(optString(m["effect"])),
		})
	}
	return out
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, cleanText(coerceString(item)))
	}
	return out
}

// #endregion optional-fields

// #region coercion

func optString(v any) string {
	if v == nil {
		return ""
	}
	return coerceString(v)
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		if t {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprint(t)
	}
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func cleanText(s string) string {
	return strings.TrimSpace(wireformat.Scrub(norm.NFC.String(s)))
}

// #endregion coercion
