package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first complete JSON document out of a model reply.
// Models in JSON mode still wrap documents in markdown fences or prose often
// enough that lenient extraction is the only workable path.
func ExtractJSON(text string) (json.RawMessage, error) {
	cleaned := stripFences(text)
	start := -1
	for i, r := range cleaned {
		if r == '{' || r == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("no JSON document found in reply")
	}
	doc, ok := balancedSlice(cleaned[start:])
	if !ok {
		return nil, fmt.Errorf("unterminated JSON document in reply")
	}
	if !json.Valid([]byte(doc)) {
		return nil, fmt.Errorf("extracted document is not valid JSON")
	}
	return json.RawMessage(doc), nil
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if idx := strings.Index(t, "\n"); idx >= 0 {
		t = t[idx+1:] // drop the language tag line
	}
	if end := strings.LastIndex(t, "```"); end >= 0 {
		t = t[:end]
	}
	return strings.TrimSpace(t)
}

// balancedSlice returns the prefix of s forming one balanced JSON value,
// tracking string literals and escapes.
func balancedSlice(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// structuredInstruction is appended to prompts for backends without native
// structured output.
func structuredInstruction(schema *Schema) string {
	return fmt.Sprintf(
		"Respond with a single JSON document and nothing else. No prose, no markdown fences.\nThe document must match this JSON schema:\n%s",
		schema.MarshalIndentString(),
	)
}
