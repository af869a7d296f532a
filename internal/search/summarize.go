package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/delver/internal/llm"
)

const summarizePrompt = `You are summarizing a webpage retrieved during research.
Produce a dense summary that preserves concrete facts, figures, names, and dates.
Keep any statistics or quoted claims exactly. Omit navigation text and boilerplate.`

var summarySchema = llm.ObjectSchema(map[string]*llm.Schema{
	"summary":      llm.StringSchema("dense factual summary of the page"),
	"key_excerpts": llm.ArraySchema("short verbatim excerpts worth quoting", llm.StringSchema("one excerpt")),
}, "summary")

// Summarizer condenses fetched page content with the summarization model.
type Summarizer struct {
	adapter *llm.Adapter
}

func NewSummarizer(adapter *llm.Adapter) *Summarizer {
	return &Summarizer{adapter: adapter}
}

// Summarize returns a dense summary and key excerpts for one page. Callers
// degrade to raw content on error; this never needs to be fatal.
func (s *Summarizer) Summarize(ctx context.Context, title, pageURL, content string) (string, []string, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: summarizePrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Title: %s\nURL: %s\n\n%s", title, pageURL, content)},
	}
	raw, err := s.adapter.CompleteStructured(ctx, msgs, summarySchema)
	if err != nil {
		return "", nil, err
	}
	var doc struct {
		Summary     string   `json:"summary"`
		KeyExcerpts []string `json:"key_excerpts"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, fmt.Errorf("decode summary: %w", err)
	}
	return doc.Summary, doc.KeyExcerpts, nil
}
