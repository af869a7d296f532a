package research

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/delver/internal/helpers"
	"github.com/mohammad-safakhou/delver/internal/llm"
)

// Synthesizer writes the final cited report from the brief and the collected
// findings.
type Synthesizer struct {
	adapter *llm.Adapter
	logger  *log.Logger
}

func NewSynthesizer(adapter *llm.Adapter) *Synthesizer {
	return &Synthesizer{
		adapter: adapter,
		logger:  log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

// Synthesize produces the report markdown and its source list. Every inline
// [n] in the returned markdown refers to an entry in the returned sources,
// and the sources are exactly the cited ones, numbered by first appearance.
func (s *Synthesizer) Synthesize(ctx context.Context, brief Brief, findings []Findings) (string, []helpers.Source, error) {
	global, rendered := globalizeSources(findings)

	prompt := synthesisPrompt(brief, rendered, global, brief.Language)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a careful research writer producing cited reports."},
		{Role: llm.RoleUser, Content: prompt},
	}
	markdown, err := s.adapter.Complete(ctx, msgs)
	if err != nil {
		return "", nil, fmt.Errorf("synthesis: %w", err)
	}

	if bad := helpers.ValidateCitations(markdown, global); len(bad) > 0 {
		s.logger.Printf("report cites unknown sources %v, re-invoking synthesis", bad)
		retry := append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: markdown},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Your draft cites source numbers %v which do not exist in the numbered list. Rewrite the report using only the listed source numbers.", bad)},
		)
		markdown, err = s.adapter.Complete(ctx, retry)
		if err != nil {
			return "", nil, fmt.Errorf("synthesis retry: %w", err)
		}
		if bad = helpers.ValidateCitations(markdown, global); len(bad) > 0 {
			// Last resort: drop the dangling markers so every remaining [n]
			// resolves.
			s.logger.Printf("retry still cites unknown sources %v, stripping them", bad)
			drop := make(map[int]int)
			for _, n := range helpers.CitationOrder(markdown) {
				if n >= 1 && n <= len(global) {
					drop[n] = n
				}
			}
			markdown = helpers.RenumberCitations(markdown, drop)
		}
	}

	// Compact the numbering to the cited sources only, ordered by first
	// appearance, so the sources list matches the body exactly.
	mapping := make(map[int]int)
	var cited []helpers.Source
	for _, n := range helpers.CitationOrder(markdown) {
		mapping[n] = len(cited) + 1
		cited = append(cited, global[n-1])
	}
	markdown = helpers.RenumberCitations(markdown, mapping)

	markdown = strings.TrimSpace(markdown)
	if list := helpers.FormatSourceList(cited); list != "" {
		markdown += "\n\n" + list
	}
	if cited == nil {
		cited = []helpers.Source{}
	}
	return markdown, cited, nil
}

// globalizeSources merges per-finding source lists into one deduplicated
// list and re-renders each finding's claims against the global numbering.
func globalizeSources(findings []Findings) ([]helpers.Source, []Findings) {
	var global []helpers.Source
	indexByURL := make(map[string]int)
	rendered := make([]Findings, len(findings))

	for fi, f := range findings {
		localToGlobal := make(map[int]int, len(f.Sources))
		for li, src := range f.Sources {
			g, ok := indexByURL[src.URL]
			if !ok {
				global = append(global, src)
				g = len(global)
				indexByURL[src.URL] = g
			}
			localToGlobal[li+1] = g
		}
		rf := f
		if len(f.Claims) > 0 {
			var bullets []string
			for _, c := range f.Claims {
				var refs []string
				for _, li := range c.SourceIndices {
					if g, ok := localToGlobal[li]; ok {
						refs = append(refs, fmt.Sprintf("[%d]", g))
					}
				}
				bullets = append(bullets, fmt.Sprintf("- %s %s", c.Text, strings.Join(refs, "")))
			}
			rf.CompressedText = strings.Join(bullets, "\n")
		}
		rendered[fi] = rf
	}
	return global, rendered
}
