package prompt

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/enzyme-grpo/internal/enzyme"
	wf "github.com/danielpatrickdp/enzyme-grpo/internal/wireformat"
)

// #region text

const systemText = "You are a helpful assistant for protein engineering tasks. " +
	"Reason through the problem first, then give the answer. Your reasoning should be at least 4000 tokens long. " +
	"Enclose the reasoning in " + wf.ThinkStart + " " + wf.ThinkEnd +
	" tags and the answer in " + wf.AnswerStart + " " + wf.AnswerEnd + " tags."

const taskText = `Propose mutations that improve the stability of this enzyme while preserving its activity and function as far as possible. For every proposed mutation, explain your reasoning and address:
1. How the mutation affects (or does not affect) protein structure
2. How the mutation affects (or does not affect) protein function
3. The chemical properties of the amino acids and of the substrates/products

All reasoning must be specific to the enzyme and reaction above. Cite scientific literature and consider similar enzymes and reactions.`

const formatText = "PUT THE FINAL SEQUENCE, AND ONLY THE FINAL SEQUENCE, INSIDE " + wf.BoxedOpen + wf.BoxedClose +
	". DO NOT PLACE ANY OTHER TEXT OR FORMATTING INSIDE THE BRACES."

const (
	unknown = "Unknown"
	none    = "None"
)

// #endregion text

// #region build

// Build renders the instruction prompt for rec. rxn is the reaction chosen for
// this example and may be nil. The output depends only on its arguments.
func Build(rec enzyme.Record, rxn *enzyme.Reaction) string {
	substrates, products := []string{unknown}, []string{unknown}
	if rxn != nil {
		substrates = orDefault(rxn.Substrates, unknown)
		products = orDefault(rxn.Products, unknown)
	}

	var user strings.Builder
	user.WriteString("You are an expert in rational protein design. You are working with the enzyme sequence below, together with useful information about the enzyme and its reaction:\n\n")
	fmt.Fprintf(&user, "ENZYME NAME: %s\n", rec.Name)
	fmt.Fprintf(&user, "EC NUMBER: %s\n", rec.ECNumber)
	fmt.Fprintf(&user, "ENZYME SEQUENCE: %s\n", rec.Sequence)
	fmt.Fprintf(&user, "GENERAL INFORMATION: %s\n", rec.GeneralInformation)
	fmt.Fprintf(&user, "SUBSTRATES: %s\n", strings.Join(substrates, ", "))
	fmt.Fprintf(&user, "PRODUCTS: %s\n", strings.Join(products, ", "))
	fmt.Fprintf(&user, "METALS/IONS: %s\n", strings.Join(orDefault(rec.MetalIons, none), ", "))
	if len(rec.Mutations) > 0 {
		user.WriteString("KNOWN MUTATIONS AND EFFECTS:\n")
		for _, m := range rec.Mutations {
			fmt.Fprintf(&user, "- %s: %s\n", m.Notation, m.Effect)
		}
	}
	user.WriteString("\n")
	user.WriteString(taskText)
	user.WriteString("\n\n")
	user.WriteString(formatText)

	var b strings.Builder
	b.WriteString(wf.Header("system"))
	b.WriteString("\n")
	b.WriteString(systemText)
	b.WriteString(wf.TurnEnd)
	b.WriteString(wf.Header("user"))
	b.WriteString("\n")
	b.WriteString(user.String())
	b.WriteString(wf.TurnEnd)
	b.WriteString(wf.Header("assistant"))
	return b.String()
}

func orDefault(items []string, fallback string) []string {
	if len(items) == 0 {
		return []string{fallback}
	}
	return items
}

// #endregion build
