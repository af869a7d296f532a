package research

import (
	"context"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/delver/internal/llm"
	"github.com/mohammad-safakhou/delver/internal/react"
	"github.com/mohammad-safakhou/delver/internal/tools"
)

// turn is one decoded model turn of a tool-use loop.
type turn struct {
	text  string
	calls []llm.ToolCall
	// done means the model signaled completion: an empty tool-call list on
	// native backends, a Final Answer on the text protocol.
	done      bool
	finalText string
}

// callWithTools runs one tool-use turn against the adapter, appending the
// model's reply (and any parse-retry nudges) to the conversation. Models
// without native tool calling are driven through the text protocol; malformed
// replies get up to parseRetries corrective observations before the turn ends
// with no tool calls.
func callWithTools(ctx context.Context, adapter *llm.Adapter, conv *llm.Conversation, reg *tools.Registry, parseRetries int) (turn, error) {
	if adapter.Capabilities().NativeTools {
		resp, err := adapter.CompleteWithTools(ctx, conv.Messages(), reg.Declarations())
		if err != nil {
			return turn{}, err
		}
		if resp.Text != "" {
			conv.Append(llm.RoleAssistant, resp.Text)
		}
		return turn{
			text:      resp.Text,
			calls:     resp.ToolCalls,
			done:      len(resp.ToolCalls) == 0,
			finalText: resp.Text,
		}, nil
	}

	preamble := llm.Message{Role: llm.RoleSystem, Content: react.BuildPreamble(reg.Declarations())}
	for attempt := 0; ; attempt++ {
		msgs := append([]llm.Message{preamble}, conv.Messages()...)
		text, err := adapter.Complete(ctx, msgs)
		if err != nil {
			return turn{}, err
		}
		conv.Append(llm.RoleAssistant, text)
		step, err := react.Decode(text)
		if err != nil {
			if attempt >= parseRetries {
				// Parse budget spent: end the turn with no tool calls.
				return turn{text: text}, nil
			}
			conv.Append(llm.RoleObservation, react.FormatObservation(react.Nudge()))
			continue
		}
		if step.Final {
			return turn{text: text, done: true, finalText: step.FinalAnswer}, nil
		}
		return turn{text: text, calls: []llm.ToolCall{step.ToCall(uuid.NewString())}}, nil
	}
}
