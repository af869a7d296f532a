package research

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/delver/internal/llm"
)

// Clarify asks the triage model whether the question needs one clarifying
// question before research starts.
func Clarify(ctx context.Context, adapter *llm.Adapter, question string) (bool, string, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: clarifyPrompt},
		{Role: llm.RoleUser, Content: question},
	}
	raw, err := adapter.CompleteStructured(ctx, msgs, clarifySchema)
	if err != nil {
		return false, "", fmt.Errorf("clarify: %w", err)
	}
	var doc struct {
		NeedClarification bool   `json:"need_clarification"`
		Question          string `json:"question"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, "", fmt.Errorf("clarify decode: %w", err)
	}
	if doc.NeedClarification && doc.Question == "" {
		// A clarification without a question is useless; proceed instead.
		return false, "", nil
	}
	return doc.NeedClarification, doc.Question, nil
}

// MakeBrief derives the immutable research brief from the user's question.
func MakeBrief(ctx context.Context, adapter *llm.Adapter, question, language string) (Brief, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: briefPrompt},
		{Role: llm.RoleUser, Content: question},
	}
	raw, err := adapter.CompleteStructured(ctx, msgs, briefSchema)
	if err != nil {
		return Brief{}, fmt.Errorf("brief: %w", err)
	}
	var brief Brief
	if err := json.Unmarshal(raw, &brief); err != nil {
		return Brief{}, fmt.Errorf("brief decode: %w", err)
	}
	if brief.Question == "" {
		brief.Question = question
	}
	if language != "" {
		brief.Language = language
	}
	return brief, nil
}
