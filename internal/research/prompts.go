package research

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/delver/internal/helpers"
	"github.com/mohammad-safakhou/delver/internal/llm"
)

const clarifyPrompt = `You triage incoming research requests. Decide whether the
request is specific enough to research, or whether one clarifying question is
needed first. Ask only when genuinely ambiguous; most requests need none.`

var clarifySchema = llm.ObjectSchema(map[string]*llm.Schema{
	"need_clarification": llm.BoolSchema("whether a clarifying question is required"),
	"question":           llm.StringSchema("the single clarifying question, empty if none needed"),
}, "need_clarification", "question")

const briefPrompt = `You turn a research request into a research brief. Extract
the core question, concrete success criteria, and any constraints the user
stated (time ranges, regions, source preferences). Do not invent constraints.`

var briefSchema = llm.ObjectSchema(map[string]*llm.Schema{
	"question":         llm.StringSchema("the research question, sharpened"),
	"success_criteria": llm.ArraySchema("what a complete answer must cover", llm.StringSchema("one criterion")),
	"constraints":      llm.ArraySchema("constraints stated by the user", llm.StringSchema("one constraint")),
	"language":         llm.StringSchema("BCP-47 language tag for the response"),
}, "question")

func supervisorSystemPrompt(brief Brief, language string) string {
	var b strings.Builder
	b.WriteString("You are the lead researcher coordinating a team. Your job is to break the ")
	b.WriteString("research brief into focused sub-questions, delegate them, and decide when ")
	b.WriteString("enough evidence has been gathered.\n\n")
	writeBrief(&b, brief)
	b.WriteString("\nRules:\n")
	b.WriteString("- Use delegate_research for each independent sub-question. Delegate in parallel when sub-questions are independent.\n")
	b.WriteString("- Use reflect between rounds to assess coverage against the success criteria.\n")
	b.WriteString("- Call research_complete as soon as the findings cover the brief. Do not over-research.\n")
	b.WriteString("- Never delegate the same sub-question twice.\n")
	if language != "" {
		fmt.Fprintf(&b, "- Conduct all reasoning so the final report can be written in %s.\n", language)
	}
	return b.String()
}

func workerSystemPrompt(brief Brief, task Task) string {
	var b strings.Builder
	b.WriteString("You are a research worker. Investigate exactly one sub-question using the ")
	b.WriteString("search tool, and reflect between searches on what is still missing.\n\n")
	writeBrief(&b, brief)
	fmt.Fprintf(&b, "\nYour sub-question: %s\n", task.SubQuestion)
	if task.Rationale != "" {
		fmt.Fprintf(&b, "Why it matters: %s\n", task.Rationale)
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- Ground every statement in a retrieved source.\n")
	b.WriteString("- Prefer a few precise searches over many broad ones.\n")
	b.WriteString("- Stop as soon as the sub-question is answered; state your answer concisely.\n")
	return b.String()
}

func writeBrief(b *strings.Builder, brief Brief) {
	fmt.Fprintf(b, "Research brief: %s\n", brief.Question)
	if len(brief.SuccessCriteria) > 0 {
		b.WriteString("Success criteria:\n")
		for _, c := range brief.SuccessCriteria {
			fmt.Fprintf(b, "- %s\n", c)
		}
	}
	if len(brief.Constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range brief.Constraints {
			fmt.Fprintf(b, "- %s\n", c)
		}
	}
}

const compressPrompt = `You condense a research transcript into cited claims.
Output every distinct factual claim that answers the sub-question, each tied to
the sources that support it. Source indices are 1-based positions in your own
sources list. Drop navigation noise and dead ends; keep numbers and dates exact.`

var compressSchema = llm.ObjectSchema(map[string]*llm.Schema{
	"claims": llm.ArraySchema("the compressed claims", llm.ObjectSchema(map[string]*llm.Schema{
		"text":           llm.StringSchema("one factual claim"),
		"source_indices": llm.ArraySchema("1-based indices into sources", &llm.Schema{Type: "integer"}),
	}, "text", "source_indices")),
	"sources": llm.ArraySchema("every source the claims rely on", llm.ObjectSchema(map[string]*llm.Schema{
		"url":   llm.StringSchema("source URL"),
		"title": llm.StringSchema("source title"),
	}, "url")),
}, "claims", "sources")

func synthesisPrompt(brief Brief, findings []Findings, sources []helpers.Source, language string) string {
	var b strings.Builder
	b.WriteString("Write the final research report in markdown.\n\n")
	writeBrief(&b, brief)
	b.WriteString("\nStructure: a short abstract, then topical sections, nothing else; the ")
	b.WriteString("sources list is appended separately. Cite evidence inline with numeric ")
	b.WriteString("markers like [1] that refer to the numbered sources below. Only use ")
	b.WriteString("numbers from that list, and cite every factual statement.\n")
	if language != "" {
		fmt.Fprintf(&b, "Write the report in %s.\n", language)
	}
	b.WriteString("\nNumbered sources:\n")
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(&b, "[%d] %s - %s\n", i+1, title, s.URL)
	}
	b.WriteString("\nFindings:\n\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "### %s\n%s\n\n", f.SubQuestion, f.CompressedText)
	}
	return b.String()
}
