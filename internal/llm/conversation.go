package llm

// Conversation is an ordered, append-only message history. Pruning removes
// whole messages from the middle but never reorders or rewrites survivors.
type Conversation struct {
	msgs []Message
}

// NewConversation starts a conversation, optionally seeded with a system prompt.
func NewConversation(system string) *Conversation {
	c := &Conversation{}
	if system != "" {
		c.msgs = append(c.msgs, Message{Role: RoleSystem, Content: system})
	}
	return c
}

func (c *Conversation) Append(role Role, content string) {
	c.msgs = append(c.msgs, Message{Role: role, Content: content})
}

func (c *Conversation) AppendMessage(m Message) {
	c.msgs = append(c.msgs, m)
}

// Messages returns a copy of the current history.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *Conversation) Len() int { return len(c.msgs) }

// EstimateTokens estimates the prompt size of the whole conversation.
func (c *Conversation) EstimateTokens() int {
	return EstimateMessageTokens(c.msgs)
}

// Prune drops oldest non-system messages until the estimated size fits
// targetTokens, always preserving the system prompt and the tail containing
// the last keepObservations observation messages (with everything that
// follows the oldest of them). When fewer observations exist, all of them
// survive; the newest message is never dropped. Reports whether the
// conversation now fits.
func (c *Conversation) Prune(targetTokens, keepObservations int) bool {
	if keepObservations < 1 {
		keepObservations = 1
	}
	start := 0
	if len(c.msgs) > 0 && c.msgs[0].Role == RoleSystem {
		start = 1
	}
	floor := len(c.msgs) - 1
	seen := 0
	for i := len(c.msgs) - 1; i >= start; i-- {
		if c.msgs[i].Role == RoleObservation {
			seen++
			floor = i
			if seen == keepObservations {
				break
			}
		}
	}
	if floor < start {
		floor = start
	}
	for c.EstimateTokens() > targetTokens && floor > start {
		c.msgs = append(c.msgs[:start], c.msgs[start+1:]...)
		floor--
	}
	return c.EstimateTokens() <= targetTokens
}
