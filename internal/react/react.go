// Package react drives tool use over plain text for models without native
// tool calling. The model is prompted into a Thought / Action / Action Input
// grammar; replies are decoded back into tool calls or a final answer.
package react

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/delver/internal/llm"
)

// Step is one decoded model turn: either a tool invocation or a final answer.
type Step struct {
	Thought     string
	Action      string
	ActionInput map[string]any
	Final       bool
	FinalAnswer string
}

// ParseError reports a reply that does not follow the grammar. The caller
// feeds Nudge() back to the model and retries.
type ParseError struct {
	Reply  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable tool reply: %s", e.Reason)
}

// Nudge is the corrective observation sent back after a parse failure.
func Nudge() string {
	return "Your last reply was not parseable. Reply again using exactly:\n" +
		"Thought: <your reasoning>\nAction: <tool name>\nAction Input: <JSON object>\n" +
		"or, when you are finished:\nThought: <your reasoning>\nFinal Answer: <your answer>"
}

// BuildPreamble renders the protocol instructions plus the tool catalog.
// It is injected as an extra system message for the single call only.
func BuildPreamble(tools []llm.Tool) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools:\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "## %s\n%s\nParameters (JSON schema):\n%s\n\n",
			t.Name, t.Description, t.Parameters.MarshalIndentString())
	}
	b.WriteString("To use a tool, reply in exactly this format:\n\n")
	b.WriteString("Thought: <your reasoning about what to do next>\n")
	b.WriteString("Action: <one tool name from the list above>\n")
	b.WriteString("Action Input: <a JSON object with the tool's parameters>\n\n")
	b.WriteString("After each tool use you will receive an Observation with the result.\n")
	b.WriteString("When you have everything you need, reply instead with:\n\n")
	b.WriteString("Thought: <your reasoning>\n")
	b.WriteString("Final Answer: <your complete answer>\n\n")
	b.WriteString("Never mix Action and Final Answer in one reply. Use one tool per reply.")
	return b.String()
}

// FormatObservation renders a tool result for feeding back to the model.
func FormatObservation(payload string) string {
	return "Observation: " + payload
}

// Decode parses a model reply against the grammar.
func Decode(reply string) (Step, error) {
	text := strings.TrimSpace(reply)
	if text == "" {
		return Step{}, &ParseError{Reply: reply, Reason: "empty reply"}
	}

	thought := sectionAfter(text, "Thought:")

	if idx := keywordIndex(text, "Final Answer:"); idx >= 0 {
		answer := strings.TrimSpace(text[idx+len("Final Answer:"):])
		return Step{Thought: thought, Final: true, FinalAnswer: answer}, nil
	}

	actIdx := keywordIndex(text, "Action:")
	if actIdx < 0 {
		return Step{}, &ParseError{Reply: reply, Reason: "no Action or Final Answer section"}
	}
	rest := text[actIdx+len("Action:"):]
	inputIdx := keywordIndex(rest, "Action Input:")
	if inputIdx < 0 {
		return Step{}, &ParseError{Reply: reply, Reason: "Action without Action Input"}
	}
	action := strings.TrimSpace(rest[:inputIdx])
	if action == "" || strings.ContainsAny(action, "\n") {
		// Tool names are single tokens; a newline means the sections are mangled.
		action = strings.TrimSpace(strings.SplitN(action, "\n", 2)[0])
	}
	if action == "" {
		return Step{}, &ParseError{Reply: reply, Reason: "empty tool name"}
	}

	rawInput := strings.TrimSpace(rest[inputIdx+len("Action Input:"):])
	doc, err := llm.ExtractJSON(rawInput)
	if err != nil {
		return Step{}, &ParseError{Reply: reply, Reason: fmt.Sprintf("Action Input is not JSON: %v", err)}
	}
	var args map[string]any
	if err := json.Unmarshal(doc, &args); err != nil {
		return Step{}, &ParseError{Reply: reply, Reason: "Action Input is not a JSON object"}
	}
	return Step{Thought: thought, Action: action, ActionInput: args}, nil
}

// EncodeCall renders a tool call in the reply grammar, the inverse of Decode
// for the {name, arguments} pair.
func EncodeCall(call llm.ToolCall, thought string) (string, error) {
	if thought == "" {
		thought = "Using " + call.Name + "."
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	doc, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}
	return fmt.Sprintf("Thought: %s\nAction: %s\nAction Input: %s", thought, call.Name, doc), nil
}

// ToCall converts a decoded tool step into an llm.ToolCall.
func (s Step) ToCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: s.Action, Arguments: s.ActionInput}
}

// keywordIndex finds a grammar keyword at a line start, tolerating leading
// whitespace on the line.
func keywordIndex(text, keyword string) int {
	offset := 0
	for {
		idx := strings.Index(text[offset:], keyword)
		if idx < 0 {
			return -1
		}
		abs := offset + idx
		lineStart := strings.LastIndexByte(text[:abs], '\n') + 1
		if strings.TrimSpace(text[lineStart:abs]) == "" {
			return abs
		}
		offset = abs + len(keyword)
	}
}

// sectionAfter returns the text between a keyword and the next keyword line.
func sectionAfter(text, keyword string) string {
	idx := keywordIndex(text, keyword)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(keyword):]
	end := len(rest)
	for _, kw := range []string{"Action:", "Action Input:", "Final Answer:", "Observation:"} {
		if i := keywordIndex(rest, kw); i >= 0 && i < end {
			end = i
		}
	}
	return strings.TrimSpace(rest[:end])
}
